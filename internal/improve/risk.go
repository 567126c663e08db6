package improve

import (
	"path"
	"path/filepath"
	"strings"
)

// startup-critical files: breaking one of these can leave the process
// unable to boot far enough to reconcile.
var highRiskBases = map[string]bool{
	"go.mod":     true,
	"go.sum":     true,
	"go.work":    true,
	"main.go":    true,
	"Makefile":   true,
	"Dockerfile": true,
}

// directories whose code sits on the request or continuation path.
var mediumRiskDirs = map[string]bool{
	"api":         true,
	"engine":      true,
	"server":      true,
	"handlers":    true,
	"middleware":  true,
	"services":    true,
	"controllers": true,
}

// classifyRisk grades a change set by its most dangerous target.
func classifyRisk(targets []string) string {
	risk := RiskLow
	for _, t := range targets {
		switch riskOf(t) {
		case RiskHigh:
			return RiskHigh
		case RiskMedium:
			risk = RiskMedium
		}
	}
	return risk
}

func riskOf(target string) string {
	clean := path.Clean(filepath.ToSlash(target))
	if highRiskBases[path.Base(clean)] {
		return RiskHigh
	}
	for _, dir := range strings.Split(path.Dir(clean), "/") {
		if mediumRiskDirs[dir] {
			return RiskMedium
		}
	}
	return RiskLow
}

// needsRestart reports whether the change set touches compiled code. Go
// sources and module files only take effect after a rebuild and restart;
// templates, docs, and config reload in place.
func needsRestart(targets []string) bool {
	for _, t := range targets {
		clean := path.Clean(filepath.ToSlash(t))
		base := path.Base(clean)
		if strings.HasSuffix(base, ".go") || base == "go.mod" || base == "go.sum" || base == "go.work" {
			return true
		}
	}
	return false
}
