package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userRequest(text string, stream bool) Request {
	return Request{Messages: []Message{{Role: RoleUser, Text: text}}, Stream: stream}
}

func TestMockModel_CannedResponse(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.AddResponse("build X", "done: X")

	text, _, err := Collect(context.Background(), m, userRequest("build X", false))
	require.NoError(t, err)
	assert.Equal(t, "done: X", text)

	text, _, err = Collect(context.Background(), m, userRequest("other", true))
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", text)
	assert.Len(t, m.Requests(), 2)
}

func TestMockModel_StreamsPartials(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.AddResponse("hi", "abc")

	out, errCh := m.Generate(context.Background(), userRequest("hi", true))
	var partials []string
	var final string
	for resp := range out {
		if resp.Partial {
			partials = append(partials, resp.Text)
		} else {
			final = resp.Text
		}
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"a", "b", "c"}, partials)
	assert.Equal(t, "abc", final)
}

func TestMockModel_Error(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.SetError(errors.New("rate limited"))
	_, _, err := Collect(context.Background(), m, userRequest("x", false))
	require.EqualError(t, err, "rate limited")

	_, _, err = Collect(context.Background(), NewMockModel("mock", "test"), Request{})
	require.Error(t, err)
}

func TestMockModel_DelayHonoursContext(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := Collect(ctx, m, userRequest("x", false))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequest_LastUserText(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: RoleUser, Text: "first"},
		{Role: RoleAssistant, Text: "reply"},
		{Role: RoleUser, Text: "second"},
		{Role: RoleAssistant, Text: "reply"},
	}}
	assert.Equal(t, "second", req.LastUserText())
	assert.Empty(t, Request{}.LastUserText())
}
