package setup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	confirms []bool
	answers  []string
	err      error

	labels   []string
	defaults []string
	secrets  []bool
}

func (s *scripted) Confirm(label string) (bool, error) {
	s.labels = append(s.labels, label)
	if s.err != nil {
		return false, s.err
	}
	v := s.confirms[0]
	s.confirms = s.confirms[1:]
	return v, nil
}

func (s *scripted) Ask(label, defaultValue string, secret bool) (string, error) {
	s.labels = append(s.labels, label)
	s.defaults = append(s.defaults, defaultValue)
	s.secrets = append(s.secrets, secret)
	v := s.answers[0]
	s.answers = s.answers[1:]
	return v, nil
}

func TestAskHeadless(t *testing.T) {
	yes, err := AskHeadless(&scripted{confirms: []bool{true}})
	require.NoError(t, err)
	assert.True(t, yes)

	no, err := AskHeadless(&scripted{confirms: []bool{false}})
	require.NoError(t, err)
	assert.False(t, no)

	_, err = AskHeadless(&scripted{err: errors.New("^C")})
	assert.Error(t, err)
}

func TestCaptureCredentialsWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", ".env")
	p := &scripted{confirms: []bool{true}, answers: []string{" matti@example.fi ", "salasana", "Matti Meikäläinen"}}

	written, err := CaptureCredentials(p, path)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, []bool{false, true, false}, p.secrets)

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "matti@example.fi", env["PROSHOP_USERNAME"])
	assert.Equal(t, "salasana", env["PROSHOP_PASSWORD"])
	assert.Equal(t, "Matti Meikäläinen", env["PROSHOP_REALNAME"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCaptureCredentialsKeepsOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\nPROSHOP_USERNAME=old@example.fi\nPROSHOP_PASSWORD=old\n"), 0o600))

	p := &scripted{confirms: []bool{true}, answers: []string{"new@example.fi", "uusi", "Maija"}}
	_, err := CaptureCredentials(p, path)
	require.NoError(t, err)

	assert.Equal(t, "old@example.fi", p.defaults[0], "existing username offered as default")
	assert.Equal(t, "", p.defaults[1], "password never echoed back")

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", env["LOG_LEVEL"])
	assert.Equal(t, "new@example.fi", env["PROSHOP_USERNAME"])
}

func TestCaptureCredentialsDeclined(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	written, err := CaptureCredentials(&scripted{confirms: []bool{false}}, path)
	require.NoError(t, err)
	assert.False(t, written)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
