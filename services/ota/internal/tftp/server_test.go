package tftp

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"otad/pkg/firmware"
	"otad/services/ota/internal/config"
)

func newTestServer(t *testing.T) (*Server, *firmware.Store) {
	t.Helper()
	store, err := firmware.NewStore(t.TempDir())
	require.NoError(t, err)
	srv, err := NewServer(config.TFTPConfig{}, store, zerolog.Nop())
	require.NoError(t, err)
	return srv, store
}

func TestReadHandler(t *testing.T) {
	srv, store := newTestServer(t)

	_, err := store.Upload(context.Background(), "app.bin", strings.NewReader("image"), -1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), firmware.DescriptorFileName), []byte(`{"version":"1"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(store.Dir()), "secret.bin"), []byte("nope"), 0o644))

	tests := []struct {
		name    string
		request string
		want    string
		wantErr error
	}{
		{name: "plain", request: "app.bin", want: "image"},
		{name: "leading slash", request: "/app.bin", want: "image"},
		{name: "firmware prefix", request: "firmware/app.bin", want: "image"},
		{name: "descriptor", request: "version.json", want: `{"version":"1"}`},
		{name: "traversal", request: "../secret.bin", wantErr: firmware.ErrPathEscape},
		{name: "deep", request: "a/b/app.bin", wantErr: firmware.ErrPathEscape},
		{name: "missing", request: "missing.bin", wantErr: firmware.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := srv.readHandler(tt.request, &buf)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, buf.String())
		})
	}
}

func TestNewServer_RequiresStore(t *testing.T) {
	_, err := NewServer(config.TFTPConfig{}, nil, zerolog.Nop())
	require.Error(t, err)
}
