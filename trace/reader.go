package trace

import (
	"bytes"
	"fmt"
	"net/url"

	"netopsy/parsing"
	"netopsy/pkg/logger"
)

// Reader turns stored bytes into parsed messages and listing indexes.
// The zero value is ready to use.
type Reader struct{}

// Request parses a complete stored request.
func (Reader) Request(data []byte) (*parsing.RequestMessage, error) {
	req, err := parsing.ParseRequest(data)
	if err != nil {
		logger.Error("parse").Err(err).Msg("Unable to parse stored request")
		return nil, err
	}
	return req, nil
}

// Response parses a complete stored response.
func (Reader) Response(data []byte) (*parsing.ResponseMessage, error) {
	resp, err := parsing.ParseResponse(data)
	if err != nil {
		logger.Error("parse").Err(err).Msg("Unable to parse stored response")
		return nil, err
	}
	return resp, nil
}

func firstLine(data []byte) string {
	if i := bytes.Index(data, parsing.LineSeparator); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}

// RequestIndex reads only the start line, so data may be a leading portion.
func (Reader) RequestIndex(data []byte) (string, *url.URL, error) {
	start, err := parsing.ParseRequestStart(firstLine(data))
	if err != nil {
		return "", nil, fmt.Errorf("request index: %w", err)
	}
	return start.Method, start.URL, nil
}

// ResponseIndex reads only the start line, so data may be a leading portion.
func (Reader) ResponseIndex(data []byte) (int, string, error) {
	start, err := parsing.ParseResponseStart(firstLine(data))
	if err != nil {
		return 0, "", fmt.Errorf("response index: %w", err)
	}
	return start.StatusCode, start.StatusText, nil
}
