// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model holds the transient, request-scoped data of an ad analysis:
// the incoming request, the task definitions and the validated report schema.
// Nothing in this package is persisted.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Display sources used in prompts and results instead of raw image data.
const (
	DataURLSource  = "[Base64 Data URL]"
	UploadedSource = "[Uploaded Image]"
)

var (
	// ErrInvalidAdURL is returned for an ad reference that is neither http(s) nor an image data URL.
	ErrInvalidAdURL = errors.New("ad_url must be a valid URL or base64 data URL")
	// ErrInvalidLandingPageURL is returned for a landing page that is not an absolute http(s) URL.
	ErrInvalidLandingPageURL = errors.New("landing_page_url must be a valid HTTP/HTTPS URL")

	dataURLPattern = regexp.MustCompile(`^data:(image/[\w.+-]+);base64,(.+)$`)
)

// AnalysisRequest is the input of one analysis run.
type AnalysisRequest struct {
	AdURL           string         `json:"ad_url" binding:"required"`
	LandingPageURL  string         `json:"landing_page_url" binding:"required"`
	BrandGuidelines map[string]any `json:"brand_guidelines,omitempty"`
	TargetAudience  string         `json:"target_audience,omitempty"`
	CampaignGoal    string         `json:"campaign_goal,omitempty"`
	// AdFile is the path of an uploaded creative. When set it takes the place of AdURL.
	AdFile string `json:"-"`
	// TempAdFile marks AdFile as a temporary upload that the crew run owns and
	// removes when it ends.
	TempAdFile bool `json:"-"`
}

// WithDefaults returns a copy with an empty audience or goal replaced.
func (r AnalysisRequest) WithDefaults(audience, goal string) AnalysisRequest {
	if strings.TrimSpace(r.TargetAudience) == "" {
		r.TargetAudience = audience
	}
	if strings.TrimSpace(r.CampaignGoal) == "" {
		r.CampaignGoal = goal
	}
	return r
}

// Validate checks the request of the JSON endpoint.
func (r AnalysisRequest) Validate() error {
	if r.AdFile == "" {
		if err := ValidateAdURL(r.AdURL); err != nil {
			return err
		}
	}
	return ValidateLandingPageURL(r.LandingPageURL)
}

// AdSource is the printable form of the ad reference.
func (r AnalysisRequest) AdSource() string {
	if r.AdFile != "" {
		return UploadedSource
	}
	return DisplaySource(r.AdURL)
}

// BrandGuidelinesText renders the guidelines as indented JSON, or "" when absent.
func (r AnalysisRequest) BrandGuidelinesText() string {
	if len(r.BrandGuidelines) == 0 {
		return ""
	}
	out, err := json.MarshalIndent(r.BrandGuidelines, "", "  ")
	if err != nil {
		return fmt.Sprint(r.BrandGuidelines)
	}
	return string(out)
}

// ValidateAdURL accepts http(s) URLs and base64 image data URLs.
func ValidateAdURL(ad string) error {
	switch {
	case strings.HasPrefix(ad, "data:image"):
		if !dataURLPattern.MatchString(ad) {
			return ErrInvalidAdURL
		}
		return nil
	case IsHTTPURL(ad):
		return nil
	default:
		return ErrInvalidAdURL
	}
}

// ValidateLandingPageURL accepts absolute http(s) URLs with a host.
func ValidateLandingPageURL(page string) error {
	if !IsHTTPURL(page) {
		return ErrInvalidLandingPageURL
	}
	return nil
}

// IsHTTPURL reports whether s is an absolute http or https URL with a host.
func IsHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ParseDataURL splits a base64 image data URL into its MIME type and payload.
func ParseDataURL(s string) (mimeType, payload string, ok bool) {
	m := dataURLPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// DisplaySource hides data URLs behind a fixed marker.
func DisplaySource(ref string) string {
	if strings.HasPrefix(ref, "data:image") {
		return DataURLSource
	}
	return ref
}
