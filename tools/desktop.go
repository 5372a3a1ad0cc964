package tools

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/sirupsen/logrus"
)

// Screenshot is a captured screen image encoded as a JPEG data URL.
type Screenshot struct {
	DataURL string
	Width   int
	Height  int
}

// Desktop drives the local display. Implementations must be safe to call
// from one turn at a time.
type Desktop interface {
	Screenshot(ctx context.Context, resizeFactor float64) (*Screenshot, error)
	ScreenSize(ctx context.Context) (width, height int, err error)
	MoveMouse(ctx context.Context, x, y int) error
	Click(ctx context.Context, x, y int, button string, count int) error
	Drag(ctx context.Context, x, y int, button string) error
	Scroll(ctx context.Context, amount int) error
	TypeText(ctx context.Context, text string, interval time.Duration) error
	PressKeys(ctx context.Context, keys []string, interval time.Duration) error
	Hotkey(ctx context.Context, keys []string) error
}

// RegisterDesktopTools adds the OS-control tools. A nil desktop registers
// nothing.
func RegisterDesktopTools(r *ToolRegistry, d Desktop) {
	if d == nil {
		return
	}
	r.Register(GroupControl, &ScreenCaptureTool{desktop: d})
	r.Register(GroupControl, &MouseControlTool{desktop: d})
	r.Register(GroupControl, &KeyboardControlTool{desktop: d})
}

type ScreenCaptureParams struct {
	ResizeFactor float64 `json:"resize_factor,omitempty" jsonschema:"default=0.5,minimum=0,maximum=1" jsonschema_description:"Factor to resize the screenshot by (0.0 to 1.0). Default is 0.5."`
}

var screenCaptureSchema = reflectSchema(&ScreenCaptureParams{})

const defaultResizeFactor = 0.5

type ScreenCaptureTool struct {
	desktop Desktop
}

func NewScreenCaptureTool(d Desktop) *ScreenCaptureTool {
	return &ScreenCaptureTool{desktop: d}
}

func (t *ScreenCaptureTool) Name() string { return "screen_capture" }
func (t *ScreenCaptureTool) Description() string {
	return "Capture a screenshot of the primary monitor. Returns a base64 encoded JPEG data URL."
}
func (t *ScreenCaptureTool) Schema() map[string]any { return screenCaptureSchema }

func (t *ScreenCaptureTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	p := ScreenCaptureParams{ResizeFactor: defaultResizeFactor}
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	shot, err := t.desktop.Screenshot(ctx, p.ResizeFactor)
	if err != nil {
		return "", err
	}
	return jsonResult(map[string]any{
		"type":   "image",
		"data":   shot.DataURL,
		"width":  shot.Width,
		"height": shot.Height,
	})
}

// Capture grabs the screen at the default scale for the orchestrator's own
// observation steps.
func (t *ScreenCaptureTool) Capture(ctx context.Context) (string, error) {
	shot, err := t.desktop.Screenshot(ctx, defaultResizeFactor)
	if err != nil {
		return "", err
	}
	return shot.DataURL, nil
}

type MouseControlParams struct {
	Action string `json:"action" jsonschema:"enum=move,enum=click,enum=double_click,enum=drag,enum=scroll" jsonschema_description:"The action to perform."`
	X      *int   `json:"x,omitempty" jsonschema_description:"The x coordinate to move/click/drag to."`
	Y      *int   `json:"y,omitempty" jsonschema_description:"The y coordinate to move/click/drag to."`
	Button string `json:"button,omitempty" jsonschema:"enum=left,enum=right,enum=middle,default=left" jsonschema_description:"The mouse button to click/drag with. Default is 'left'."`
	Amount *int   `json:"amount,omitempty" jsonschema_description:"Amount to scroll (for scroll action only). Positive is up, negative is down."`
}

var mouseControlSchema = reflectSchema(&MouseControlParams{})

type MouseControlTool struct {
	desktop Desktop
}

func (t *MouseControlTool) Name() string           { return "mouse_control" }
func (t *MouseControlTool) Description() string    { return "Control the mouse to move, click, drag or scroll." }
func (t *MouseControlTool) Schema() map[string]any { return mouseControlSchema }

func (t *MouseControlTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	p := MouseControlParams{Button: "left"}
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}

	if p.Action == "scroll" {
		if p.Amount == nil {
			return "", errors.Errorf(errors.ErrInvalidArgument, "Amount is required for scroll action.")
		}
		if err := t.desktop.Scroll(ctx, *p.Amount); err != nil {
			return "", err
		}
		return jsonResult(map[string]any{"status": "success", "action": p.Action, "position": nil})
	}

	var x, y int
	if p.X != nil && p.Y != nil {
		w, h, err := t.desktop.ScreenSize(ctx)
		if err != nil {
			return "", err
		}
		x, y = clamp(*p.X, 0, w-1), clamp(*p.Y, 0, h-1)
	} else {
		// Without coordinates the pointer stays where it is.
		x, y = -1, -1
	}

	var err error
	switch p.Action {
	case "move":
		err = t.desktop.MoveMouse(ctx, x, y)
	case "click":
		err = t.desktop.Click(ctx, x, y, p.Button, 1)
	case "double_click":
		err = t.desktop.Click(ctx, x, y, p.Button, 2)
	case "drag":
		err = t.desktop.Drag(ctx, x, y, p.Button)
	default:
		return "", errors.Errorf(errors.ErrInvalidArgument, "unknown mouse action '%s'", p.Action)
	}
	if err != nil {
		return "", err
	}
	var pos any
	if x >= 0 {
		pos = map[string]int{"x": x, "y": y}
	}
	return jsonResult(map[string]any{"status": "success", "action": p.Action, "position": pos})
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

type KeyboardControlParams struct {
	Action   string   `json:"action" jsonschema:"enum=type,enum=press,enum=hotkey" jsonschema_description:"The action to perform."`
	Text     *string  `json:"text,omitempty" jsonschema_description:"The text to type (for type action)."`
	Keys     []string `json:"keys,omitempty" jsonschema_description:"The keys to press or hotkey combination (e.g. ['ctrl', 'c'])."`
	Interval float64  `json:"interval,omitempty" jsonschema:"default=0.05" jsonschema_description:"Interval between key presses in seconds. Default 0.05."`
}

var keyboardControlSchema = reflectSchema(&KeyboardControlParams{})

type KeyboardControlTool struct {
	desktop Desktop
}

func (t *KeyboardControlTool) Name() string           { return "keyboard_control" }
func (t *KeyboardControlTool) Description() string    { return "Control the keyboard to type text or press keys." }
func (t *KeyboardControlTool) Schema() map[string]any { return keyboardControlSchema }

func (t *KeyboardControlTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	p := KeyboardControlParams{Interval: 0.05}
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	interval := time.Duration(p.Interval * float64(time.Second))

	var err error
	switch p.Action {
	case "type":
		if p.Text == nil {
			return "", errors.Errorf(errors.ErrInvalidArgument, "Text is required for type action.")
		}
		err = t.desktop.TypeText(ctx, *p.Text, interval)
	case "press":
		if len(p.Keys) == 0 {
			return "", errors.Errorf(errors.ErrInvalidArgument, "Keys are required for press action.")
		}
		err = t.desktop.PressKeys(ctx, p.Keys, interval)
	case "hotkey":
		if len(p.Keys) == 0 {
			return "", errors.Errorf(errors.ErrInvalidArgument, "Keys are required for hotkey action.")
		}
		err = t.desktop.Hotkey(ctx, p.Keys)
	default:
		return "", errors.Errorf(errors.ErrInvalidArgument, "unknown keyboard action '%s'", p.Action)
	}
	if err != nil {
		return "", err
	}
	return jsonResult(map[string]any{"status": "success", "action": p.Action})
}

// CommandDesktop drives an X11 session through xdotool and ImageMagick, or
// macOS through screencapture. Mouse and keyboard control need xdotool.
type CommandDesktop struct{}

// NewCommandDesktop returns a desktop backed by the helpers found on PATH,
// or nil when the platform has none.
func NewCommandDesktop() Desktop {
	return commandDesktop(runtime.GOOS, exec.LookPath, os.Getenv)
}

func commandDesktop(goos string, lookPath func(string) (string, error), getenv func(string) string) Desktop {
	var helpers []string
	switch goos {
	case "linux":
		if getenv("DISPLAY") == "" {
			return nil
		}
		// import takes the screenshots, xdotool does the rest.
		helpers = []string{"import", "xdotool"}
	case "darwin":
		helpers = []string{"screencapture"}
	default:
		return nil
	}
	for _, h := range helpers {
		if _, err := lookPath(h); err != nil {
			logrus.WithField("helper", h).Debug("desktop control unavailable")
			return nil
		}
	}
	return &CommandDesktop{}
}

func (d *CommandDesktop) Screenshot(ctx context.Context, resizeFactor float64) (*Screenshot, error) {
	if resizeFactor <= 0 || resizeFactor > 1 {
		resizeFactor = 1
	}
	var raw []byte
	var err error
	if runtime.GOOS == "darwin" {
		raw, err = d.screencapture(ctx, resizeFactor)
	} else {
		raw, err = run(ctx, "import", "-window", "root", "-resize", fmt.Sprintf("%d%%", int(resizeFactor*100)), "-quality", "85", "jpeg:-")
	}
	if err != nil {
		return nil, err
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "screenshot is not a valid JPEG")
	}
	return &Screenshot{DataURL: session.NewDataURL("image/jpeg", raw), Width: cfg.Width, Height: cfg.Height}, nil
}

func (d *CommandDesktop) screencapture(ctx context.Context, resizeFactor float64) ([]byte, error) {
	dir, err := os.MkdirTemp("", "aichat-screen")
	if err != nil {
		return nil, errors.Wrapf(err, "could not create temp dir")
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "screen.jpg")
	if _, err := run(ctx, "screencapture", "-x", "-t", "jpg", path); err != nil {
		return nil, err
	}
	if resizeFactor < 1 {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read screenshot")
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
		if err == nil {
			width := int(float64(cfg.Width) * resizeFactor)
			if _, err := run(ctx, "sips", "--resampleWidth", strconv.Itoa(width), path); err != nil {
				return nil, err
			}
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read screenshot")
	}
	return raw, nil
}

func (d *CommandDesktop) ScreenSize(ctx context.Context) (int, int, error) {
	out, err := run(ctx, "xdotool", "getdisplaygeometry")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return 0, 0, errors.New("unexpected display geometry %q", string(out))
	}
	w, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad display width")
	}
	h, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad display height")
	}
	return w, h, nil
}

func (d *CommandDesktop) MoveMouse(ctx context.Context, x, y int) error {
	if x < 0 {
		return nil
	}
	_, err := run(ctx, "xdotool", "mousemove", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (d *CommandDesktop) Click(ctx context.Context, x, y int, button string, count int) error {
	if err := d.MoveMouse(ctx, x, y); err != nil {
		return err
	}
	_, err := run(ctx, "xdotool", "click", "--repeat", strconv.Itoa(count), xButton(button))
	return err
}

func (d *CommandDesktop) Drag(ctx context.Context, x, y int, button string) error {
	if _, err := run(ctx, "xdotool", "mousedown", xButton(button)); err != nil {
		return err
	}
	if err := d.MoveMouse(ctx, x, y); err != nil {
		return err
	}
	_, err := run(ctx, "xdotool", "mouseup", xButton(button))
	return err
}

func (d *CommandDesktop) Scroll(ctx context.Context, amount int) error {
	// Buttons 4 and 5 are wheel up and down.
	button, n := "4", amount
	if amount < 0 {
		button, n = "5", -amount
	}
	if n == 0 {
		return nil
	}
	_, err := run(ctx, "xdotool", "click", "--repeat", strconv.Itoa(n), button)
	return err
}

func (d *CommandDesktop) TypeText(ctx context.Context, text string, interval time.Duration) error {
	_, err := run(ctx, "xdotool", "type", "--delay", strconv.Itoa(int(interval.Milliseconds())), "--", text)
	return err
}

func (d *CommandDesktop) PressKeys(ctx context.Context, keys []string, interval time.Duration) error {
	args := append([]string{"key", "--delay", strconv.Itoa(int(interval.Milliseconds())), "--"}, keys...)
	_, err := run(ctx, "xdotool", args...)
	return err
}

func (d *CommandDesktop) Hotkey(ctx context.Context, keys []string) error {
	_, err := run(ctx, "xdotool", "key", "--", strings.Join(keys, "+"))
	return err
}

func xButton(button string) string {
	switch button {
	case "middle":
		return "2"
	case "right":
		return "3"
	}
	return "1"
}

func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed: %s", name, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
