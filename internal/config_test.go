package internal

import (
	"testing"
	"time"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/require"
)

func TestConfig_DefaultsAndRequired(t *testing.T) {
	req := require.New(t)
	t.Setenv("BADGER_FILEPATH", "/tmp/hub")
	t.Setenv("BLUGE_FILEPATH", "/tmp/hub-index")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PUSH_ATTEMPTS", "5")

	var config Config
	_, err := env.UnmarshalFromEnviron(&config)

	req.NoError(err)
	req.Equal("localhost:8080", config.Address())
	req.Equal(5, config.PushAttempts)
	req.Equal(200*time.Millisecond, config.PushBackoff)
	req.Equal(720*time.Hour, config.RetentionPeriod)
}

func TestCharacterRune(t *testing.T) {
	r, err := CharacterRune("#")
	require.NoError(t, err)
	require.Equal(t, '#', r)

	_, err = CharacterRune("##")
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a@hub.example", "b@hub.example"}, SplitList(" a@hub.example, ,b@hub.example"))
	require.Nil(t, SplitList(""))
}
