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
	"testing"
)

func sign(newHash func() hash.Hash, payload, secret []byte) string {
	mac := hmac.New(newHash, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestValidatePayloadEmptySecretAlwaysPasses(t *testing.T) {
	if !ValidatePayload([]byte("body"), "", nil) {
		t.Error("expected empty secret to always pass")
	}
	if !ValidatePayload([]byte("body"), "sha1=garbage", []byte{}) {
		t.Error("expected empty secret to always pass regardless of sig")
	}
}

func TestValidatePayloadSHA1(t *testing.T) {
	secret := []byte("hunter2")
	payload := []byte(`{"action":"opened"}`)
	sig := "sha1=" + sign(sha1.New, payload, secret)
	if !ValidatePayload(payload, sig, secret) {
		t.Error("expected valid sha1 signature to pass")
	}
}

func TestValidatePayloadSHA256(t *testing.T) {
	secret := []byte("hunter2")
	payload := []byte(`{"action":"opened"}`)
	sig := "sha256=" + sign(sha256.New, payload, secret)
	if !ValidatePayload(payload, sig, secret) {
		t.Error("expected valid sha256 signature to pass")
	}
}

func TestValidatePayloadRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	sig := "sha1=" + sign(sha1.New, payload, []byte("hunter2"))
	if ValidatePayload(payload, sig, []byte("wrong")) {
		t.Error("expected signature computed with a different secret to fail")
	}
}

func TestValidatePayloadRejectsTamperedBody(t *testing.T) {
	secret := []byte("hunter2")
	sig := "sha1=" + sign(sha1.New, []byte(`{"action":"opened"}`), secret)
	if ValidatePayload([]byte(`{"action":"closed"}`), sig, secret) {
		t.Error("expected signature over a different payload to fail")
	}
}

func TestValidatePayloadRejectsUnknownScheme(t *testing.T) {
	if ValidatePayload([]byte("body"), "md5=deadbeef", []byte("hunter2")) {
		t.Error("expected an unrecognized signature scheme to fail")
	}
}

func TestValidatePayloadRejectsMalformedHex(t *testing.T) {
	if ValidatePayload([]byte("body"), "sha1=not-hex", []byte("hunter2")) {
		t.Error("expected malformed hex digest to fail")
	}
}
