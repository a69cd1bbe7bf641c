package cli

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "DISTPROXY_"

// loadEnvFromDotEnv copies DISTPROXY_* assignments from path into the
// process environment. Variables already set win; a missing file is fine.
func loadEnvFromDotEnv(path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		return
	}
	for key, value := range values {
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
