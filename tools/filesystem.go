package tools

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/m4xw311/aichat/workspace"
)

// RegisterFileTools adds the workspace file tools. Each resolves the bound
// workspace from the call's context.
func RegisterFileTools(r *ToolRegistry) {
	r.Register(GroupFile, &ReadFileTool{})
	r.Register(GroupFile, &WriteFileTool{})
	r.Register(GroupFile, &EditFileTool{})
	r.Register(GroupFile, &ListFilesTool{})
	r.Register(GroupFile, &CreateFolderTool{})
	r.Register(GroupFile, &DeleteFileTool{})
	r.Register(GroupFile, &RenameFileTool{})
	r.Register(GroupFile, &SearchInFilesTool{})
	r.Register(GroupFile, &ProjectStructureTool{name: "get_current_project_structure"})
	r.Register(GroupFile, &ProjectStructureTool{name: "get_project_structure", alias: true})
}

type ReadFileParams struct {
	Path string `json:"path" jsonschema_description:"File path relative to the workspace root"`
}

var readFileSchema = reflectSchema(&ReadFileParams{})

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace. Large files are truncated and flagged."
}
func (t *ReadFileTool) Schema() map[string]any { return readFileSchema }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p ReadFileParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	res, err := ws.Read(p.Path)
	if err != nil {
		return "", err
	}
	return jsonResult(struct {
		Status string `json:"status"`
		*workspace.ReadResult
	}{"ok", res})
}

type WriteFileParams struct {
	Path              string `json:"path" jsonschema_description:"File path relative to the workspace root"`
	Content           string `json:"content" jsonschema_description:"Full file content to write"`
	CreateDirectories bool   `json:"create_directories,omitempty" jsonschema:"default=true" jsonschema_description:"Whether to auto-create parent folders"`
}

var writeFileSchema = reflectSchema(&WriteFileParams{})

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a workspace file, replacing it entirely and creating parent folders automatically."
}
func (t *WriteFileTool) Schema() map[string]any { return writeFileSchema }

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	p := WriteFileParams{CreateDirectories: true}
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	res, err := ws.Write(p.Path, p.Content, p.CreateDirectories)
	if err != nil {
		return "", err
	}
	return jsonResult(struct {
		Status string `json:"status"`
		*workspace.WriteResult
	}{"ok", res})
}

type EditFileParams struct {
	Path  string           `json:"path" jsonschema_description:"File path relative to the workspace root"`
	Edits []workspace.Edit `json:"edits" jsonschema:"minItems=1" jsonschema_description:"Exact search/replace edits applied in order; each search must match a contiguous block"`
}

var editFileSchema = reflectSchema(&EditFileParams{})

type EditFileTool struct{}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Apply precise search/replace edits to a workspace file without rewriting the whole file. Either every edit applies or none does."
}
func (t *EditFileTool) Schema() map[string]any { return editFileSchema }

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p EditFileParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	res, err := ws.Edit(p.Path, p.Edits)
	if err != nil {
		return "", err
	}
	return jsonResult(struct {
		*workspace.EditResult
		Message string `json:"message"`
	}{res, fmt.Sprintf("Edited %s (%d change(s))", res.Path, res.Applied)})
}

type ListFilesParams struct {
	Path string `json:"path,omitempty" jsonschema_description:"Folder path to list. Leave empty for the workspace root."`
}

var listFilesSchema = reflectSchema(&ListFilesParams{})

type ListFilesTool struct{}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List files and folders under the given path (recursive)."
}
func (t *ListFilesTool) Schema() map[string]any { return listFilesSchema }

type listedEntry struct {
	workspace.Entry
	HumanSize string `json:"human_size,omitempty"`
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p ListFilesParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	entries, err := ws.List(p.Path)
	if err != nil {
		return "", err
	}
	items := make([]string, 0, len(entries))
	tree := make([]listedEntry, 0, len(entries))
	for _, e := range entries {
		items = append(items, e.Path)
		le := listedEntry{Entry: e}
		if e.Type == workspace.EntryFile {
			le.HumanSize = units.HumanSize(float64(e.Size))
		}
		tree = append(tree, le)
	}
	return jsonResult(map[string]any{"status": "ok", "items": items, "tree": tree})
}

type PathParams struct {
	Path string `json:"path" jsonschema_description:"Path relative to the workspace root"`
}

var pathSchema = reflectSchema(&PathParams{})

type CreateFolderTool struct{}

func (t *CreateFolderTool) Name() string        { return "create_folder" }
func (t *CreateFolderTool) Description() string { return "Create a folder (and parents) inside the workspace." }
func (t *CreateFolderTool) Schema() map[string]any {
	return pathSchema
}

func (t *CreateFolderTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p PathParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	res, err := ws.CreateFolder(p.Path)
	if err != nil {
		return "", err
	}
	return jsonResult(struct {
		Status string `json:"status"`
		*workspace.FolderResult
	}{"ok", res})
}

type DeleteFileTool struct{}

func (t *DeleteFileTool) Name() string        { return "delete_file" }
func (t *DeleteFileTool) Description() string { return "Delete a file or folder from the workspace." }
func (t *DeleteFileTool) Schema() map[string]any {
	return pathSchema
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p PathParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	res, err := ws.Delete(p.Path)
	if err != nil {
		return "", err
	}
	return jsonResult(struct {
		Status string `json:"status"`
		*workspace.DeleteResult
	}{"ok", res})
}

type RenameFileParams struct {
	OldPath string `json:"old_path" jsonschema_description:"Existing file or folder path"`
	NewPath string `json:"new_path" jsonschema_description:"New path for the item"`
}

var renameFileSchema = reflectSchema(&RenameFileParams{})

type RenameFileTool struct{}

func (t *RenameFileTool) Name() string        { return "rename_file" }
func (t *RenameFileTool) Description() string { return "Rename or move a file or folder within the workspace." }
func (t *RenameFileTool) Schema() map[string]any {
	return renameFileSchema
}

func (t *RenameFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p RenameFileParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	res, err := ws.Rename(p.OldPath, p.NewPath)
	if err != nil {
		return "", err
	}
	return jsonResult(struct {
		Status string `json:"status"`
		*workspace.RenameResult
	}{"ok", res})
}

type SearchInFilesParams struct {
	Query string `json:"query" jsonschema_description:"Text to look for, matched case-insensitively"`
	Path  string `json:"path,omitempty" jsonschema_description:"Optional sub-folder to scope the search"`
}

var searchInFilesSchema = reflectSchema(&SearchInFilesParams{})

type SearchInFilesTool struct{}

func (t *SearchInFilesTool) Name() string { return "search_in_files" }
func (t *SearchInFilesTool) Description() string {
	return "Search for a text query across workspace files."
}
func (t *SearchInFilesTool) Schema() map[string]any { return searchInFilesSchema }

func (t *SearchInFilesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p SearchInFilesParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	res, err := ws.Search(p.Query, p.Path)
	if err != nil {
		return "", err
	}
	return jsonResult(struct {
		Status string `json:"status"`
		*workspace.SearchResult
	}{"ok", res})
}

type ProjectStructureParams struct {
	IncludeContent bool `json:"include_content,omitempty" jsonschema:"default=false" jsonschema_description:"Whether to include file contents for text files"`
}

var projectStructureSchema = reflectSchema(&ProjectStructureParams{})

// ProjectStructureTool is registered twice, under its own name and under the
// shorter alias models tend to guess.
type ProjectStructureTool struct {
	name  string
	alias bool
}

func (t *ProjectStructureTool) Name() string { return t.name }
func (t *ProjectStructureTool) Description() string {
	if t.alias {
		return "Alias for get_current_project_structure. Returns the workspace tree."
	}
	return "Return the current workspace tree and likely entry point files."
}
func (t *ProjectStructureTool) Schema() map[string]any { return projectStructureSchema }

func (t *ProjectStructureTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p ProjectStructureParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	res, err := ws.Structure(p.IncludeContent)
	if err != nil {
		return "", err
	}
	return jsonResult(struct {
		Status string `json:"status"`
		*workspace.Structure
	}{"ok", res})
}
