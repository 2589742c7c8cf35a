/*
Copyright 2026 Damir Manapov

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

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// keyRecord fixes the serialization order of the cache key components.
// Struct fields marshal in declaration order and Go marshals map keys
// sorted, so two specs differing only in map insertion order produce
// identical keys.
type keyRecord struct {
	Cloud  string              `json:"cloud"`
	Infra  trial.InfraConfig   `json:"infra"`
	Config trial.ServiceConfig `json:"config"`
}

// Key derives the canonical deduplication key for a trial spec.
func Key(spec trial.Spec) string {
	b, err := json.Marshal(keyRecord{Cloud: spec.Cloud, Infra: spec.Infra, Config: spec.Config})
	if err != nil {
		// Marshaling plain structs and string maps cannot fail.
		panic(err)
	}
	return string(b)
}

// ShortKey returns a short hash of the canonical key for log lines.
func ShortKey(spec trial.Spec) string {
	sum := sha256.Sum256([]byte(Key(spec)))
	return hex.EncodeToString(sum[:6])
}
