// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// Blob layout: 4-byte magic, 1-byte codec version, 16-byte MD5 digest
// of the payload, JSON payload. The digest is verified on every decode;
// a mismatch means the record is corrupt, not merely stale.
var blobMagic = []byte("MST1")

const codecVersion = 1

const headerLen = 4 + 1 + md5.Size

// encodeRecord serializes v into the store's self-describing byte form
// and returns the blob together with the payload digest in hex.
func encodeRecord(v any) ([]byte, string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("encode record: %w", err)
	}

	digest := md5.Sum(payload)

	blob := make([]byte, 0, headerLen+len(payload))
	blob = append(blob, blobMagic...)
	blob = append(blob, codecVersion)
	blob = append(blob, digest[:]...)
	blob = append(blob, payload...)

	return blob, hex.EncodeToString(digest[:]), nil
}

// decodeRecord verifies a blob's framing and digest, then unmarshals
// the payload into out. kind and id label the record in corruption
// errors.
func decodeRecord(blob []byte, kind, id string, out any) error {
	if len(blob) < headerLen {
		return &maestroerrors.CorruptedRecordError{
			Kind:   kind,
			ID:     id,
			Reason: fmt.Sprintf("truncated: %d bytes", len(blob)),
		}
	}
	if !bytes.Equal(blob[:4], blobMagic) {
		return &maestroerrors.CorruptedRecordError{
			Kind:   kind,
			ID:     id,
			Reason: "bad magic",
		}
	}
	if blob[4] != codecVersion {
		return &maestroerrors.CorruptedRecordError{
			Kind:   kind,
			ID:     id,
			Reason: fmt.Sprintf("unsupported codec version %d", blob[4]),
		}
	}

	payload := blob[headerLen:]
	digest := md5.Sum(payload)
	if !bytes.Equal(digest[:], blob[5:headerLen]) {
		return &maestroerrors.CorruptedRecordError{
			Kind:   kind,
			ID:     id,
			Reason: "checksum mismatch",
		}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return &maestroerrors.CorruptedRecordError{
			Kind:   kind,
			ID:     id,
			Reason: fmt.Sprintf("decode failure: %v", err),
		}
	}
	return nil
}

// recordChecksum returns the hex digest a blob claims for its payload
// without decoding it. Empty for malformed blobs.
func recordChecksum(blob []byte) string {
	if len(blob) < headerLen {
		return ""
	}
	return hex.EncodeToString(blob[5:headerLen])
}
