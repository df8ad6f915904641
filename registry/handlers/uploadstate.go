package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// blobUploadState captures the state of an upload needed to resume it across
// requests, encoded into the upload URL as an opaque, signed token.
type blobUploadState struct {
	// Name is the repository under which the upload was started.
	Name string

	// UUID identifies the upload.
	UUID string

	// Offset contains the number of bytes already written to the upload.
	Offset int64

	// StartedAt is the original start time of the upload.
	StartedAt time.Time
}

// hmacKey is a secret used to sign upload state tokens so that clients
// cannot forge or tamper with them between requests.
type hmacKey string

// packUploadState packs the upload state into a signed, base64-encoded
// token suitable for embedding in a URL.
func (k hmacKey) packUploadState(state blobUploadState) (string, error) {
	p, err := json.Marshal(state)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, []byte(k))
	if _, err := mac.Write(p); err != nil {
		return "", err
	}

	sig := mac.Sum(nil)

	return base64.URLEncoding.EncodeToString(p) + "." + base64.URLEncoding.EncodeToString(sig), nil
}

// unpackUploadState unpacks and verifies a token produced by packUploadState,
// returning an error if the signature does not match.
func (k hmacKey) unpackUploadState(token string) (blobUploadState, error) {
	var state blobUploadState

	parts := splitToken(token)
	if len(parts) != 2 {
		return state, fmt.Errorf("invalid upload state token")
	}

	p, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return state, err
	}

	sig, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return state, err
	}

	mac := hmac.New(sha256.New, []byte(k))
	if _, err := mac.Write(p); err != nil {
		return state, err
	}

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return state, fmt.Errorf("invalid upload state signature")
	}

	if err := json.Unmarshal(p, &state); err != nil {
		return state, err
	}

	return state, nil
}

func splitToken(token string) []string {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}
