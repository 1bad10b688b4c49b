// Copyright 2024 Repovul Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package osv

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
)

// Loader reads osv_root/<ecosystem>/<file>.json for each configured
// ecosystem and groups parsed entries by repository URL (component D).
type Loader struct {
	OSVRoot          string
	Ecosystems       []string
	SupportedDomains map[string]struct{}
	Log              logr.Logger
}

// NewLoader builds a Loader; supportedDomains is converted to a set once.
func NewLoader(osvRoot string, ecosystems, supportedDomains []string, log logr.Logger) *Loader {
	domains := make(map[string]struct{}, len(supportedDomains))
	for _, d := range supportedDomains {
		domains[d] = struct{}{}
	}
	return &Loader{
		OSVRoot:          osvRoot,
		Ecosystems:       ecosystems,
		SupportedDomains: domains,
		Log:              log,
	}
}

// Load reads every configured ecosystem directory and groups entries by
// repo URL, dropping groups whose repo URL's domain isn't supported.
func (l *Loader) Load() (map[string][]*Entry, error) {
	byRepo := make(map[string][]*Entry)
	filteredDomains := make(map[string]struct{})

	for _, eco := range l.Ecosystems {
		dir := filepath.Join(l.OSVRoot, eco)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("os.ReadDir(%s): %w", dir, err)
		}
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			path := filepath.Join(dir, de.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("os.ReadFile(%s): %w", path, err)
			}
			entry, err := Parse(data)
			if err != nil {
				return nil, fmt.Errorf("osv.Parse(%s): %w", path, err)
			}
			repoURL := entry.RepoURL()
			domain := domainOf(repoURL)
			if _, ok := l.SupportedDomains[domain]; !ok {
				filteredDomains[repoURL] = struct{}{}
				continue
			}
			byRepo[repoURL] = append(byRepo[repoURL], entry)
		}
	}

	l.Log.Info("loaded OSV entries",
		"repos", len(byRepo),
		"filtered_unsupported_domains", len(filteredDomains))
	return byRepo, nil
}

// domainOf returns the host portion of a repo URL, or "" if it doesn't
// parse or has no host — which never matches any configured domain, so such
// entries are filtered out the same way an empty RepoURL() is.
func domainOf(repoURL string) string {
	if repoURL == "" {
		return ""
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return ""
	}
	return u.Host
}
