package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"quickapi/internal/simulation"
	dErrors "quickapi/pkg/domain-errors"
	"quickapi/pkg/platform/middleware/request"
)

// FieldData is the form field carrying the JSON parameters.
const FieldData = "data"

// Validation subtypes for malformed bodies.
const (
	SubtypeSizeLimit    = "size-limit-exceeded"
	SubtypeTooManyFiles = "too-many-files"
	SubtypeBadBody      = "bad-body"
)

// DefaultMaxFieldBytes bounds non-file form fields and JSON bodies.
const DefaultMaxFieldBytes = 1 << 20

// BodyLimits bounds what parseBody accepts.
type BodyLimits struct {
	MaxFileBytes  int64
	MaxFieldBytes int64
	MaxFiles      int
}

// parseBody reads a multipart form or a JSON document. Only files in fields
// named img* are kept; the only kept value field is data.
func parseBody(ctx context.Context, r *http.Request, limits BodyLimits) (*Body, error) {
	body := &Body{Files: map[string]simulation.File{}}
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch {
	case mediaType == "application/json":
		data, err := readLimited(r.Body, limits.MaxFieldBytes, FieldData)
		if err != nil {
			return nil, bodyError(ctx, err)
		}
		body.Data, body.HasData = data, len(data) > 0
		return body, nil

	case mediaType == "multipart/form-data":
		if params["boundary"] == "" {
			return nil, dErrors.Validation(SubtypeBadBody, "multipart body has no boundary")
		}
		if err := readMultipart(r, limits, body); err != nil {
			return nil, bodyError(ctx, err)
		}
		return body, nil

	default:
		return body, nil
	}
}

func readMultipart(r *http.Request, limits BodyLimits, body *Body) error {
	reader, err := r.MultipartReader()
	if err != nil {
		return err
	}
	files := 0
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name := part.FormName()

		if part.FileName() != "" {
			files++
			if limits.MaxFiles > 0 && files > limits.MaxFiles {
				return dErrors.Validation(SubtypeTooManyFiles,
					fmt.Sprintf("at most %d file may be uploaded", limits.MaxFiles))
			}
			content, err := readLimited(part, limits.MaxFileBytes, name)
			if err != nil {
				return err
			}
			if strings.HasPrefix(name, "img") {
				body.Files[name] = simulation.File{Filename: part.FileName(), Content: content}
			}
			continue
		}

		if name != FieldData {
			if _, err := io.Copy(io.Discard, io.LimitReader(part, limits.MaxFieldBytes)); err != nil {
				return err
			}
			continue
		}
		data, err := readLimited(part, limits.MaxFieldBytes, name)
		if err != nil {
			return err
		}
		body.Data, body.HasData = data, true
	}
}

// readLimited reads at most limit bytes, failing with size-limit-exceeded
// when more are available.
func readLimited(r io.Reader, limit int64, field string) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	content, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > limit {
		return nil, dErrors.Validation(SubtypeSizeLimit, field+" is too big").
			WithDetail("limit_bytes", limit)
	}
	return content, nil
}

// bodyError maps read failures. Domain errors and context errors pass through.
func bodyError(ctx context.Context, err error) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	if request.IsBodyTooLarge(err) {
		return dErrors.Validation(SubtypeSizeLimit, "request body is too big")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("read body: %w", ctxErr)
	}
	return &dErrors.Error{
		Code:    dErrors.CodeValidation,
		Subtype: SubtypeBadBody,
		Message: "request body could not be read",
		Debug:   err.Error(),
		Err:     err,
	}
}
