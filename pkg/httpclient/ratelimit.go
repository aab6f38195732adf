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

package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ParseOpenAIHeaders reads the x-ratelimit-* / Retry-After headers an
// OpenAI-compatible endpoint sends on a 429 or 503 response.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	var info RateLimitInfo

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	for _, h := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if v := headers.Get(h); v != "" {
			if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.ResetUnix = reset
				break
			}
		}
	}

	if v := headers.Get("x-ratelimit-remaining-requests"); v != "" {
		_, _ = fmt.Sscanf(v, "%d", &info.RequestsRemaining)
	}
	if v := headers.Get("x-ratelimit-remaining-tokens"); v != "" {
		_, _ = fmt.Sscanf(v, "%d", &info.TokensRemaining)
	}

	return info
}
