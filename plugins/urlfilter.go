package plugins

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/tidwall/match"

	"github.com/interceptd/interceptd/internal/helper"
	"github.com/interceptd/interceptd/plugin"
)

// FilterRule blocks requests whose host/path matches Pattern ('*' and '?'
// wildcards). StatusCode defaults to 404.
type FilterRule struct {
	Pattern    string `json:"pattern"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// NewURLFilter builds a deny-list plugin from rules.
func NewURLFilter(rules []FilterRule) plugin.Constructor {
	return func() plugin.Hooks {
		return plugin.Hooks{
			Name: "urlfilter",
			OnClientRequest: func(ctx *plugin.Context) plugin.Result {
				req := ctx.Request
				host := req.Header.Get("Host")
				if host == "" {
					host = req.Target
				}
				url := helper.HostOnly(host) + req.Target
				if req.Method == "CONNECT" {
					url = helper.HostOnly(req.Target)
				}
				for i, rule := range rules {
					if match.Match(url, rule.Pattern) {
						status := rule.StatusCode
						if status == 0 {
							status = 404
						}
						slog.Info("blocked by url filter",
							"url", url,
							"status", status,
							"rule", i+1,
						)
						var res plugin.Response
						res.StatusCode = status
						res.Reason = "Not Found"
						res.Header.Add("Connection", "close")
						res.Body = []byte("Blocked\r\n")
						return plugin.Respond(&res)
					}
				}
				return plugin.Continue
			},
		}
	}
}

// NewURLFilterFromFile loads rules from a JSON file: either a plain list of
// pattern strings or a list of FilterRule objects.
func NewURLFilterFromFile(path string) (plugin.Constructor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []FilterRule
	if err := json.Unmarshal(data, &rules); err != nil {
		var patterns []string
		if perr := json.Unmarshal(data, &patterns); perr != nil {
			return nil, err
		}
		for _, p := range patterns {
			rules = append(rules, FilterRule{Pattern: strings.TrimSpace(p)})
		}
	}
	return NewURLFilter(rules), nil
}
