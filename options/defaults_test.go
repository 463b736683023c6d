package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaultsReadsEnvironment(t *testing.T) {
	t.Setenv("ONFIDO_API_URL", "https://api.staging.example.com")
	t.Setenv("DESKTOP_SYNC_URL", "https://sync.staging.example.com")
	t.Setenv("IDVSDK_CONTAINER_ID", "staging-mount")

	d := LoadDefaults()

	assert.Equal(t, "https://api.staging.example.com", d.URLs[URLKeyAPI])
	assert.Equal(t, "https://sync.staging.example.com", d.URLs[URLKeySync])
	assert.Equal(t, defaultTelephonyURL, d.URLs[URLKeyTelephony])
	assert.Equal(t, "staging-mount", d.ContainerID)
	assert.Equal(t, DefaultSMSNumberCountryCode, d.SMSNumberCountryCode)
}

func TestCompiledDefaultsAreIndependentCopies(t *testing.T) {
	a := CompiledDefaults()
	a.URLs[URLKeyAPI] = "changed"
	a.Steps[0] = StepFace

	b := CompiledDefaults()
	assert.Equal(t, defaultAPIURL, b.URLs[URLKeyAPI])
	assert.Equal(t, StepWelcome, b.Steps[0])
}
