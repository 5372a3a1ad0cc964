package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/openai/openai-go/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
)

// AuditLogger receives one record per provider exchange. session.Store
// satisfies it.
type AuditLogger interface {
	AppendLog(ctx context.Context, rec session.LogRecord) error
}

// exchange describes a provider request for the audit log.
type exchange struct {
	provider string
	method   string
	url      string
	request  any
}

// record writes the audit entry for one exchange. A nil callErr means the
// provider answered; parseErr then says whether its reply could be read.
// Failures to log are logged and dropped.
func (e exchange) record(ctx context.Context, audit AuditLogger, response []byte, callErr, parseErr error) {
	sessionID := ConversationIDFromContext(ctx)
	if audit == nil || sessionID == "" {
		return
	}
	rec := session.LogRecord{
		SessionID: sessionID,
		Provider:  e.provider,
		Method:    e.method,
		URL:       e.url,
		CreatedAt: time.Now().UTC(),
	}
	if body, err := json.Marshal(e.request); err == nil {
		rec.RequestBody = body
	} else {
		logrus.WithError(err).WithField("provider", e.provider).Debug("could not encode request for audit log")
	}

	if callErr != nil {
		rec.StatusCode = statusFromError(callErr)
		rec.ResponseBody = jsonBody(nil, errors.Message(callErr))
	} else {
		parsed := parseErr == nil
		rec.StatusCode = http.StatusOK
		rec.Success = true
		rec.ParsedSuccess = &parsed
		rec.ResponseBody = jsonBody(response, "")
		if parseErr != nil {
			rec.ParseError = errors.Message(parseErr)
		}
	}

	if err := audit.AppendLog(context.WithoutCancel(ctx), rec); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"provider": e.provider,
			"session":  sessionID,
		}).Warn("failed to write provider audit log")
	}
}

// jsonBody keeps raw if it is valid JSON and otherwise wraps what there is
// into an object.
func jsonBody(raw []byte, errText string) json.RawMessage {
	if errText == "" && len(raw) > 0 && json.Valid(raw) {
		return raw
	}
	obj := map[string]string{}
	if errText != "" {
		obj["error"] = errText
	}
	if len(raw) > 0 {
		obj["raw"] = string(raw)
	}
	body, _ := json.Marshal(obj)
	return body
}

// statusFromError digs the HTTP status out of an SDK error. Errors that never
// reached the provider count as 500.
func statusFromError(err error) int {
	var coded interface{ HTTPStatusCode() int }
	if errors.As(err, &coded) && coded.HTTPStatusCode() > 0 {
		return coded.HTTPStatusCode()
	}
	var gax interface{ HTTPCode() int }
	if errors.As(err, &gax) && gax.HTTPCode() > 0 {
		return gax.HTTPCode()
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return http.StatusInternalServerError
}
