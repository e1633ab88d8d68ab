package main

import (
	"net/url"
	"server-hub/domain"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func TestDialURL_CarriesTokenScopesAndCursor(t *testing.T) {
	req := require.New(t)

	raw, err := dialURL(Config{
		URL:    "ws://hub.example/ws",
		Token:  "jwt",
		Scopes: "server-1, group-7,server-1",
		After:  "12",
	})

	req.NoError(err)
	parsed, err := url.Parse(raw)
	req.NoError(err)
	req.Equal("jwt", parsed.Query().Get("token"))
	req.Equal("server-1,group-7", parsed.Query().Get("scopes"))
	req.Equal("12", parsed.Query().Get("after"))
}

func TestRender(t *testing.T) {
	line := render(domain.NotificationRecord{
		Seq:     3,
		Scope:   lo.ToPtr(domain.TenantScope("server-1")),
		Heading: "New member",
		Message: "bob joined server-1",
		Link:    lo.ToPtr("https://hub.example/s/1"),
	}, false)

	require.Equal(t, "#3 [server-1] New member: bob joined server-1 (https://hub.example/s/1)", line)
	require.Equal(t, "#1 [direct] Welcome: hi", render(domain.NotificationRecord{Seq: 1, Heading: "Welcome", Message: "hi"}, false))
}
