package options

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
)

// Compiled-in fallbacks used when the build environment provides nothing.
const (
	DefaultContainerID          = "onfido-mount"
	DefaultSMSNumberCountryCode = "GB"

	defaultAPIURL            = "https://api.onfido.com"
	defaultTelephonyURL      = "https://telephony.onfido.com"
	defaultHostedSDKURL      = "https://id.onfido.com"
	defaultDetectDocumentURL = "https://sdk.onfido.com"
	defaultSyncURL           = "https://sync.onfido.com"
)

// DefaultSteps is the flow used when the caller does not specify steps.
var DefaultSteps = []StepType{StepWelcome, StepDocument, StepFace, StepComplete}

// Defaults holds the lowest-precedence option values.
type Defaults struct {
	URLs                 URLMap
	ContainerID          string
	Steps                []StepType
	SMSNumberCountryCode string
}

// CompiledDefaults returns the built-in defaults without consulting the
// environment.
func CompiledDefaults() Defaults {
	return Defaults{
		URLs: URLMap{
			URLKeyAPI:            defaultAPIURL,
			URLKeyTelephony:      defaultTelephonyURL,
			URLKeyHostedSDK:      defaultHostedSDKURL,
			URLKeyDetectDocument: defaultDetectDocumentURL,
			URLKeySync:           defaultSyncURL,
		},
		ContainerID:          DefaultContainerID,
		Steps:                slices.Clone(DefaultSteps),
		SMSNumberCountryCode: DefaultSMSNumberCountryCode,
	}
}

// LoadDefaults reads endpoint URLs from the environment (and a .env file
// found walking up from the working directory), falling back to the
// compiled-in values.
func LoadDefaults() Defaults {
	loadDotEnv()

	d := CompiledDefaults()
	d.URLs = URLMap{
		URLKeyAPI:            env.GetString("ONFIDO_API_URL", defaultAPIURL),
		URLKeyTelephony:      env.GetString("SMS_DELIVERY_URL", defaultTelephonyURL),
		URLKeyHostedSDK:      env.GetString("MOBILE_URL", defaultHostedSDKURL),
		URLKeyDetectDocument: env.GetString("ONFIDO_SDK_URL", defaultDetectDocumentURL),
		URLKeySync:           env.GetString("DESKTOP_SYNC_URL", defaultSyncURL),
	}
	d.ContainerID = env.GetString("IDVSDK_CONTAINER_ID", DefaultContainerID)
	return d
}

func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	dir := cwd
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
