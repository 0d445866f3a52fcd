package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatcher/internal/common"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPublishOverMemoryBus(t *testing.T) {
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("BROKER_PUBLIC", "public")
	t.Setenv("LOG_LEVEL", "error")

	out, err := executeRoot(t, "publish", "--to", "Ivan <ivan@mail.ru>, a@x.com", "--text", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "for 2 recipient(s) to public")
}

func TestPublishWithoutAddresses(t *testing.T) {
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("BROKER_PUBLIC", "public")

	_, err := executeRoot(t, "publish", "--to", "nobody here", "--text", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no email addresses")
}

func TestPublishRequiresTopic(t *testing.T) {
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("BROKER_PUBLIC", "")

	_, err := executeRoot(t, "publish", "--to", "a@x.com")
	require.ErrorIs(t, err, common.ErrConfig)
}

func TestPublishRequiresToFlag(t *testing.T) {
	_, err := executeRoot(t, "publish", "--text", "hello")
	require.Error(t, err)
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "publish")
}
