package analyzer

import (
	"fmt"
	"strings"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/worker"
)

// New builds the configured analyzer.
func New(cfg config.AnalysisConfig) (worker.Analyzer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		return NewLocal(cfg.TopKeywords), nil
	case "gemini":
		if len(cfg.APIKeys) == 0 {
			return nil, fmt.Errorf("analysis.api_keys is required for gemini")
		}
		return NewGemini(cfg), nil
	default:
		return nil, fmt.Errorf("unknown analysis provider %q", cfg.Provider)
	}
}
