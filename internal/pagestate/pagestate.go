// Package pagestate inspects rendered page HTML for interstitials that block
// interaction with the retailer pages.
package pagestate

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Interstitial classifies a blocking overlay found in a page.
type Interstitial string

const (
	None      Interstitial = ""
	Challenge Interstitial = "challenge"
	Consent   Interstitial = "consent"
)

var challengeSelectors = []string{
	"#challenge-form",
	"#challenge-running",
	"#cf-challenge-running",
	"#challenge-stage",
	".cf-turnstile",
	"iframe[src*='challenges.cloudflare.com']",
	"script[src*='/cdn-cgi/challenge-platform/']",
}

var challengeTitles = []string{
	"just a moment",
	"hetkinen",
	"attention required",
}

var consentSelectors = []string{
	"#declineButton",
	"#cookieConsent",
	".cookie-consent",
}

// Detect parses html and reports the first interstitial found. Challenges win
// over consent dialogs since they block everything else.
func Detect(html string) (Interstitial, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return None, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, t := range challengeTitles {
		if strings.Contains(title, t) {
			return Challenge, nil
		}
	}

	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return Challenge, nil
		}
	}

	for _, sel := range consentSelectors {
		if doc.Find(sel).Length() > 0 {
			return Consent, nil
		}
	}

	return None, nil
}

// IsChallenge is a convenience wrapper that treats parse errors as no challenge.
func IsChallenge(html string) bool {
	kind, err := Detect(html)
	return err == nil && kind == Challenge
}
