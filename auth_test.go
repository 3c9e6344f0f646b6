package livesync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func signTestJwt(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("testsecret"))
	assert.Equal(t, err, nil)
	return signed
}

func TestParseByJwtUnverified(t *testing.T) {
	userId := NewId()
	clientId := NewId()
	byJwtStr := signTestJwt(t, gojwt.MapClaims{
		"user_id":      userId.String(),
		"client_id":    clientId.String(),
		"network_name": "testnetwork",
	})

	byJwt, err := ParseByJwtUnverified(byJwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, userId)
	assert.Equal(t, byJwt.ClientId, clientId)
	assert.Equal(t, byJwt.NetworkName, "testnetwork")

	// missing claims leave zero values rather than failing
	sparse, err := ParseByJwtUnverified(signTestJwt(t, gojwt.MapClaims{
		"network_name": "other",
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, sparse.UserId, Id{})
	assert.Equal(t, sparse.ClientId, Id{})

	_, err = ParseByJwtUnverified("not.a.jwt")
	assert.NotEqual(t, err, nil)
}

func TestClientAuthClientId(t *testing.T) {
	clientId := NewId()
	auth := &ClientAuth{
		ByJwt: signTestJwt(t, gojwt.MapClaims{
			"client_id": clientId.String(),
		}),
		InstanceId: NewId(),
		AppVersion: "1.2.3",
	}

	parsed, err := auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, clientId)

	bad := &ClientAuth{
		ByJwt: "garbage",
	}
	_, err = bad.ClientId()
	assert.NotEqual(t, err, nil)
}

func TestClientAuthReplayOnReconnect(t *testing.T) {
	dialer := newTestDialer()
	settings := newTestClientSettings(dialer)
	settings.Auth = &ClientAuth{
		ByJwt: signTestJwt(t, gojwt.MapClaims{
			"client_id": NewId().String(),
		}),
		InstanceId: NewId(),
	}
	client := NewClient(context.Background(), settings)
	defer client.Close()

	err := client.Connect()
	assert.Equal(t, err, nil)

	// the authenticate frame leads every session
	waitFor(t, "auth frame", func() bool {
		return dialer.Transport(0).WrittenCount() >= 1
	})
	first := dialer.Transport(0).Written()[0]
	assert.Equal(t, first.Type, MessageTypeAuthenticate)
	assert.Equal(t, first.Token, settings.Auth.ByJwt)

	dialer.Transport(0).Fail(CloseCodeAbnormal, "dropped")

	waitFor(t, "auth replayed", func() bool {
		return dialer.DialCount() == 2 &&
			len(dialer.Transport(1).WrittenOfType(MessageTypeAuthenticate)) == 1
	})

	// an authenticated ack is consumed silently
	dialer.Transport(1).Deliver(&Message{
		Type: MessageTypeAuthenticated,
	})
	assert.Equal(t, client.IsConnected(), true)
}
