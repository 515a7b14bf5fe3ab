package upload

import (
	"encoding/base64"
	"errors"
	"strings"
)

// EncodeShareID turns a storage filename into the path segment of a share
// link. It is a reversible encoding, not a secret: anyone with the link can
// recover the filename.
func EncodeShareID(filename string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(filename))
}

// DecodeShareID reverses EncodeShareID. Padded standard base64 from older
// links is accepted too.
func DecodeShareID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("empty share id")
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "="))
	if err != nil {
		b, err = base64.StdEncoding.DecodeString(id)
		if err != nil {
			return "", errors.New("malformed share id")
		}
	}
	return string(b), nil
}

// ShareURL builds the public share link for filename.
func ShareURL(baseURL, filename string) string {
	return strings.TrimRight(baseURL, "/") + "/download/" + EncodeShareID(filename)
}
