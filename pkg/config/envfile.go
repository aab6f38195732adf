// Copyright 2025 Kadir Pekel
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

package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// envFiles lists, in load order, the dotenv files Load checks for before
// resolving the DATABASE / DATABASE_URL / BASE_URL / OPENAI_API_KEY
// environment contract. .env.local wins over .env; neither is required.
var envFiles = []string{".env.local", ".env"}

// LoadEnvFiles loads each file in envFiles into the process environment,
// leaving already-set variables untouched. A missing file is not an error.
func LoadEnvFiles() error {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}
