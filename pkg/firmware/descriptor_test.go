package firmware

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestDescriptorStore_LoadDefaults(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		content *string
		want    Descriptor
	}{
		{name: "missing file", want: DefaultDescriptor()},
		{name: "malformed", content: ptr("{not json"), want: DefaultDescriptor()},
		{name: "wrong types", content: ptr(`{"version": 3, "url": true}`), want: DefaultDescriptor()},
		{name: "empty object", content: ptr(`{}`), want: DefaultDescriptor()},
		{
			name:    "partial document merges over defaults",
			content: ptr(`{"url":"http://ota.local/firmware/a.bin"}`),
			want:    Descriptor{Version: "1.0.0", URL: "http://ota.local/firmware/a.bin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store := NewDescriptorStore(dir)
			if tt.content != nil {
				require.NoError(t, os.WriteFile(store.Path(), []byte(*tt.content), 0o644))
			}
			require.Equal(t, tt.want, store.Load(ctx))
		})
	}
}

func TestDescriptorStore_SaveThenLoad(t *testing.T) {
	ctx := context.Background()
	store := NewDescriptorStore(t.TempDir())

	saved, err := store.Save(ctx, DescriptorInput{Version: "1.0.1", URL: "http://ota.local/firmware/app.bin"})
	require.NoError(t, err)
	require.Equal(t, Descriptor{Version: "1.0.1", URL: "http://ota.local/firmware/app.bin"}, saved)
	require.Equal(t, saved, store.Load(ctx))

	saved, err = store.Save(ctx, DescriptorInput{
		Version:     "2.0.0",
		URL:         "https://cdn.example.com/fw/2.0.0.bin",
		Description: ptr("修复bug"),
		Force:       ptr(true),
	})
	require.NoError(t, err)
	require.Equal(t, Descriptor{
		Version:     "2.0.0",
		URL:         "https://cdn.example.com/fw/2.0.0.bin",
		Description: "修复bug",
		Force:       true,
	}, store.Load(ctx))
	require.True(t, saved.Force)
}

func TestDescriptorStore_OnDiskShape(t *testing.T) {
	store := NewDescriptorStore(t.TempDir())

	_, err := store.Save(context.Background(), DescriptorInput{
		Version:     "1.0.1",
		URL:         "http://xxx/firmware.bin",
		Description: ptr("修复bug"),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	want := "{\n" +
		"    \"version\": \"1.0.1\",\n" +
		"    \"url\": \"http://xxx/firmware.bin\",\n" +
		"    \"description\": \"修复bug\",\n" +
		"    \"force\": false\n" +
		"}"
	require.Equal(t, want, string(data))
}

func TestDescriptorStore_SaveValidation(t *testing.T) {
	ctx := context.Background()
	store := NewDescriptorStore(t.TempDir())

	_, err := store.Save(ctx, DescriptorInput{Version: "1.0.0", URL: "http://ota.local/a.bin"})
	require.NoError(t, err)
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	for _, in := range []DescriptorInput{
		{Version: "", URL: "http://ota.local/b.bin"},
		{Version: "2.0.0", URL: ""},
		{Version: "   ", URL: "http://ota.local/b.bin"},
		{},
	} {
		_, err := store.Save(ctx, in)
		require.ErrorIs(t, err, ErrValidation)
	}

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDescriptorStore_SaveFailureIsIOError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	store := NewDescriptorStore(dir)

	_, err := store.Save(context.Background(), DescriptorInput{Version: "1", URL: "http://x/a.bin"})
	require.ErrorIs(t, err, ErrIO)
}

func TestDescriptorStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewDescriptorStore(dir)

	for i := 0; i < 3; i++ {
		_, err := store.Save(context.Background(), DescriptorInput{Version: "1", URL: "http://x/a.bin"})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, DescriptorFileName, entries[0].Name())
}
