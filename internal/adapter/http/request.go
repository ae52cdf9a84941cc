package http

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/couchcryptid/eews-aggregator/internal/domain"
)

const maxBodyBytes = 64 << 10

// requestFields gathers request values from a JSON, urlencoded, or
// multipart body and the query string. Body values win over query values.
func requestFields(w http.ResponseWriter, r *http.Request) (domain.Fields, error) {
	fields := domain.Fields{}

	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		switch mediaType {
		case "application/json":
			data, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, bodyError(err)
			}
			if len(data) > 0 {
				body, err := domain.FieldsFromJSON(data)
				if err != nil {
					return nil, err
				}
				fields = body
			}
		case "application/x-www-form-urlencoded", "multipart/form-data":
			if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
				return nil, bodyError(err)
			}
			for k, v := range r.PostForm {
				if len(v) > 0 {
					fields[k] = v[0]
				}
			}
		}
	}

	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			fields.Merge(domain.Fields{k: v[0]})
		}
	}
	return fields, nil
}

func bodyError(err error) error {
	return &domain.ValidationError{Msg: fmt.Sprintf("invalid request body: %v", err)}
}
