package fraud

import (
	"context"
	"strings"
)

// automationSignatures are lower-case fragments of non-human user agents.
var automationSignatures = []string{
	"bot", "crawler", "spider", "slurp",
	"curl/", "wget/", "python-requests", "python-urllib", "go-http-client",
	"java/", "okhttp", "libwww-perl", "httpclient", "scrapy",
	"headlesschrome", "phantomjs", "selenium", "puppeteer", "playwright",
}

// BotUserAgent blocks empty and known automation user agents.
type BotUserAgent struct{}

// Name implements Heuristic.
func (BotUserAgent) Name() string { return HeuristicBotUA }

// Triggered implements Heuristic.
func (BotUserAgent) Triggered(_ context.Context, sig *Signal) (bool, error) {
	ua := strings.ToLower(strings.TrimSpace(sig.UserAgent))
	if ua == "" {
		return true, nil
	}
	for _, s := range automationSignatures {
		if strings.Contains(ua, s) {
			return true, nil
		}
	}
	return false, nil
}
