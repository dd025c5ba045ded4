package main

import (
	"regexp"
	"strings"
)

// Environment is the browser surface reported by the gate script on page
// load. Field names follow the JSON the script sends.
type Environment struct {
	UserAgent           string      `json:"userAgent"`
	Webdriver           bool        `json:"webdriver"`
	Globals             []string    `json:"globals"`
	DocumentAttributes  []string    `json:"documentAttributes"`
	Plugins             int         `json:"plugins"`
	Languages           []string    `json:"languages"`
	Platform            string      `json:"platform"`
	HardwareConcurrency int         `json:"hardwareConcurrency"`
	Canvas              CanvasProbe `json:"canvas"`
}

// CanvasProbe is the outcome of drawing and serialising a small canvas.
type CanvasProbe struct {
	Error      string `json:"error,omitempty"`
	DataLength int    `json:"dataLength"`
}

// Rule names. They double as keys in detector.weights and as the "rule"
// field of bot_rule_hit events.
const (
	RuleWebdriver            = "webdriver"
	RuleHeadlessMarkers      = "headless_markers"
	RuleAutomationAttributes = "automation_attributes"
	RuleInjectedGlobals      = "injected_globals"
	RuleNoPointerMovement    = "no_pointer_movement"
	RuleSparseCapabilities   = "sparse_capabilities"
	RulePlatformMismatch     = "platform_mismatch"
	RuleCanvasProbe          = "canvas_probe"

	// ruleCanvasShort is the reduced weight key for a degenerate canvas.
	ruleCanvasShort = "canvas_probe_short"
)

// DefaultWeights returns the weight table for every rule.
func DefaultWeights() map[string]int {
	return map[string]int{
		RuleWebdriver:            30,
		RuleHeadlessMarkers:      30,
		RuleAutomationAttributes: 30,
		RuleInjectedGlobals:      20,
		RuleNoPointerMovement:    15,
		RuleSparseCapabilities:   15,
		RulePlatformMismatch:     20,
		RuleCanvasProbe:          15,
		ruleCanvasShort:          10,
	}
}

// RuleHit is one positive detection.
type RuleHit struct {
	Rule   string                 `json:"rule"`
	Weight int                    `json:"weight"`
	Reason string                 `json:"reason"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// ruleFunc inspects the environment and reports whether the rule fired. The
// weight is filled in by the detector from its weight table.
type ruleFunc func(env *Environment, p ruleParams) (RuleHit, bool)

type ruleParams struct {
	minCanvasLength int
}

// =============================================================================
// Marker tables
// =============================================================================

// Globals left behind by headless drivers.
var headlessGlobals = map[string]bool{
	"callPhantom": true,
	"_phantom":    true,
	"phantom":     true,
	"__nightmare": true,
	"__phantomas": true,
	"Buffer":      true,
	"emit":        true,
	"spawn":       true,
}

// Globals injected by WebDriver implementations and automation recorders.
var injectedGlobals = map[string]bool{
	"__webdriver_evaluate":        true,
	"__selenium_evaluate":         true,
	"__webdriver_script_function": true,
	"__webdriver_script_func":     true,
	"__webdriver_script_fn":       true,
	"__fxdriver_evaluate":         true,
	"__driver_unwrapped":          true,
	"__webdriver_unwrapped":       true,
	"__driver_evaluate":           true,
	"__selenium_unwrapped":        true,
	"__fxdriver_unwrapped":        true,
	"_Selenium_IDE_Recorder":      true,
	"_selenium":                   true,
	"calledSelenium":              true,
	"domAutomation":               true,
	"domAutomationController":     true,
	"_WEBDRIVER_ELEM_CACHE":       true,
	"__lastWatirAlert":            true,
	"__lastWatirConfirm":          true,
	"__lastWatirPrompt":           true,
	"__playwright":                true,
	"__pwInitScripts":             true,
}

// ChromeDriver injects document-level keys named cdc_<random>.
var cdcGlobalPattern = regexp.MustCompile(`^\$?cdc_[A-Za-z0-9]+`)

// Attributes test harnesses set on <html>.
var automationAttributes = map[string]bool{
	"selenium":  true,
	"webdriver": true,
	"driver":    true,
}

var headlessUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)headlesschrome`),
	regexp.MustCompile(`(?i)phantomjs`),
	regexp.MustCompile(`(?i)slimerjs`),
	regexp.MustCompile(`(?i)electron`),
}

// =============================================================================
// Rules
// =============================================================================

func checkWebdriver(env *Environment, _ ruleParams) (RuleHit, bool) {
	if !env.Webdriver {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:   RuleWebdriver,
		Reason: "navigator.webdriver is set",
	}, true
}

func checkHeadlessMarkers(env *Environment, _ ruleParams) (RuleHit, bool) {
	var found []string
	for _, g := range env.Globals {
		if headlessGlobals[g] {
			found = append(found, g)
		}
	}
	for _, p := range headlessUAPatterns {
		if m := p.FindString(env.UserAgent); m != "" {
			found = append(found, "ua:"+m)
			break
		}
	}
	if len(found) == 0 {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:   RuleHeadlessMarkers,
		Reason: "Headless browser markers present",
		Detail: map[string]interface{}{"markers": found},
	}, true
}

func checkAutomationAttributes(env *Environment, _ ruleParams) (RuleHit, bool) {
	var found []string
	for _, a := range env.DocumentAttributes {
		if automationAttributes[strings.ToLower(a)] {
			found = append(found, a)
		}
	}
	if len(found) == 0 {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:   RuleAutomationAttributes,
		Reason: "Automation attributes on document root",
		Detail: map[string]interface{}{"attributes": found},
	}, true
}

func checkInjectedGlobals(env *Environment, _ ruleParams) (RuleHit, bool) {
	var found []string
	for _, g := range env.Globals {
		if injectedGlobals[g] || cdcGlobalPattern.MatchString(g) {
			found = append(found, g)
		}
	}
	if len(found) == 0 {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:   RuleInjectedGlobals,
		Reason: "Driver-injected globals present",
		Detail: map[string]interface{}{"globals": found},
	}, true
}

func checkSparseCapabilities(env *Environment, _ ruleParams) (RuleHit, bool) {
	var missing []string
	if env.Plugins == 0 {
		missing = append(missing, "plugins")
	}
	if len(env.Languages) == 0 {
		missing = append(missing, "languages")
	}
	if strings.TrimSpace(env.Platform) == "" {
		missing = append(missing, "platform")
	}
	if env.HardwareConcurrency <= 0 {
		missing = append(missing, "hardwareConcurrency")
	}
	if len(missing) < 2 {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:   RuleSparseCapabilities,
		Reason: "Browser capability surface is suspiciously empty",
		Detail: map[string]interface{}{"missing": missing},
	}, true
}

func checkPlatformMismatch(env *Environment, _ ruleParams) (RuleHit, bool) {
	ua := ParseUserAgent(env.UserAgent)
	if ua.OS == "" || env.Platform == "" {
		return RuleHit{}, false
	}

	var want string
	switch ua.OS {
	case "Windows":
		want = "Win"
	case "macOS":
		want = "Mac"
	case "Linux":
		want = "Linux"
	default:
		// Mobile platforms report too many vendor-specific strings.
		return RuleHit{}, false
	}
	if strings.Contains(env.Platform, want) {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:   RulePlatformMismatch,
		Reason: "UA/platform mismatch: UA claims " + ua.OS,
		Detail: map[string]interface{}{"platform": env.Platform, "ua_os": ua.OS},
	}, true
}

func checkCanvasProbe(env *Environment, p ruleParams) (RuleHit, bool) {
	if env.Canvas.Error != "" {
		return RuleHit{
			Rule:   RuleCanvasProbe,
			Reason: "Canvas rendering probe failed",
			Detail: map[string]interface{}{"error": env.Canvas.Error},
		}, true
	}
	if env.Canvas.DataLength < p.minCanvasLength {
		return RuleHit{
			Rule:   ruleCanvasShort,
			Reason: "Canvas rendering output abnormally short",
			Detail: map[string]interface{}{"dataLength": env.Canvas.DataLength},
		}, true
	}
	return RuleHit{}, false
}

// syncRules are evaluated in order on every scan. The pointer rule is
// asynchronous and lives on Scan.
var syncRules = []ruleFunc{
	checkWebdriver,
	checkHeadlessMarkers,
	checkAutomationAttributes,
	checkInjectedGlobals,
	checkSparseCapabilities,
	checkPlatformMismatch,
	checkCanvasProbe,
}

// =============================================================================
// User-Agent parsing
// =============================================================================

// UABrowserInfo extracted from User-Agent
type UABrowserInfo struct {
	Browser  string
	Version  string
	OS       string
	IsMobile bool
}

var chromePattern = regexp.MustCompile(`Chrome\/(\d+)`)
var firefoxPattern = regexp.MustCompile(`Firefox\/(\d+)`)
var safariPattern = regexp.MustCompile(`Safari\/(\d+)`)
var edgePattern = regexp.MustCompile(`Edg\/(\d+)`)

// ParseUserAgent extracts browser info from UA string
func ParseUserAgent(ua string) UABrowserInfo {
	info := UABrowserInfo{}

	if match := edgePattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser = "Edge"
		info.Version = match[1]
	} else if match := chromePattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser = "Chrome"
		info.Version = match[1]
	} else if match := firefoxPattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser = "Firefox"
		info.Version = match[1]
	} else if match := safariPattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser = "Safari"
		info.Version = match[1]
	}

	// Android and iOS UAs also contain "Linux" / "Mac OS X", so check them first.
	switch {
	case strings.Contains(ua, "Android"):
		info.OS = "Android"
		info.IsMobile = true
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		info.OS = "iOS"
		info.IsMobile = true
	case strings.Contains(ua, "Windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "Macintosh"):
		info.OS = "macOS"
	case strings.Contains(ua, "Linux"):
		info.OS = "Linux"
	}

	if strings.Contains(ua, "Mobile") {
		info.IsMobile = true
	}

	return info
}
