/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// ValidatePayload checks that the X-Hub-Signature(-256) header matches
// an HMAC of payload keyed by secret. An empty secret always passes,
// since HMAC verification is optional (spec.md §6.4).
func ValidatePayload(payload []byte, sig string, secret []byte) bool {
	if len(secret) == 0 {
		return true
	}
	switch {
	case strings.HasPrefix(sig, "sha256="):
		return validateMAC(sha256.New, payload, strings.TrimPrefix(sig, "sha256="), secret)
	case strings.HasPrefix(sig, "sha1="):
		return validateMAC(sha1.New, payload, strings.TrimPrefix(sig, "sha1="), secret)
	default:
		return false
	}
}

func validateMAC(newHash func() hash.Hash, payload []byte, sigHex string, secret []byte) bool {
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(newHash, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}
