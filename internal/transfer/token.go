package transfer

import (
	"encoding/json"
	"path/filepath"

	"github.com/italolelis/multi_downloader/internal/download"
)

// resumeToken is what HTTPTransport hands out on suspension.
type resumeToken struct {
	URL    string `json:"url"`
	Part   string `json:"part"`
	Offset int64  `json:"offset"`
	ETag   string `json:"etag,omitempty"`
}

func (tok resumeToken) encode() (download.ResumeToken, error) {
	b, err := json.Marshal(tok)
	if err != nil {
		return nil, &TokenError{Reason: "encode", Err: err}
	}

	return download.ResumeToken(b), nil
}

// decodeToken parses raw and checks that its partial file lives in dir.
func decodeToken(raw download.ResumeToken, dir string) (resumeToken, error) {
	var tok resumeToken

	if len(raw) == 0 {
		return tok, &TokenError{Reason: "empty token"}
	}

	if err := json.Unmarshal(raw, &tok); err != nil {
		return tok, &TokenError{Reason: "malformed", Err: err}
	}

	if tok.URL == "" || tok.Part == "" {
		return tok, &TokenError{Reason: "missing url or partial file"}
	}

	if tok.Offset < 0 {
		return tok, &TokenError{Reason: "negative offset"}
	}

	if filepath.Dir(filepath.Clean(tok.Part)) != filepath.Clean(dir) || filepath.Ext(tok.Part) != partSuffix {
		return tok, &TokenError{Reason: "partial file outside the download directory"}
	}

	return tok, nil
}
