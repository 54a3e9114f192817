package remote

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

func (c *Client) Upload(ctx context.Context, bucket, name, contentType string, body io.Reader, upsert bool) (string, error) {
	header := http.Header{
		"X-Upsert":      {strconv.FormatBool(upsert)},
		"Cache-Control": {"max-age=3600"},
	}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   objectPath(bucket, name),
		header: header,
		body:   body,
	}, nil)
	if err != nil {
		return "", err
	}
	return c.PublicURL(bucket, name), nil
}

// PublicURL is the address of an object in a public bucket.
func (c *Client) PublicURL(bucket, name string) string {
	return c.baseURL + "/storage/v1/object/public/" + url.PathEscape(bucket) + "/" + url.PathEscape(name)
}

func objectPath(bucket, name string) string {
	return "/storage/v1/object/" + url.PathEscape(bucket) + "/" + url.PathEscape(name)
}
