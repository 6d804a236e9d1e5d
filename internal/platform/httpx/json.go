package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

func decodeJSON(r io.Reader, out any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// ReadJSON drains the response body into out and closes it. A non-2xx
// status is returned as a StatusError so callers can branch on the code.
func ReadJSON(resp *http.Response, out any) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return &StatusError{Code: resp.StatusCode, URL: resp.Request.URL.String()}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeJSON(resp.Body, out)
}
