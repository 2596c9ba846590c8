package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	key, err := NewKey("documents/lab", "Blood Panel.PDF")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^documents/lab/[0-9a-f]{32}\.pdf$`), key)

	key, err = NewKey("../../etc", "x")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "etc/"), key)

	key, err = NewKey("", "scan.png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "general/"), key)
}

func TestCheckKey(t *testing.T) {
	for _, bad := range []string{"", "/abs/file", "a/../b", "a//b", `a\b`, "./a"} {
		assert.ErrorIs(t, checkKey(bad), ErrInvalidKey, bad)
	}
	assert.NoError(t, checkKey("documents/abc.pdf"))
}

func TestLocalProviderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewLocalProvider(dir, "http://localhost:8080/uploads/", nil)
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := p.Upload(ctx, strings.NewReader("hello"), FileInfo{Name: "note.txt", ContentType: "text/plain"}, "documents")
	require.NoError(t, err)
	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, "local", obj.Provider)
	assert.Equal(t, "http://localhost:8080/uploads/"+obj.Key, obj.URL)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(obj.Key)))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err := p.Exists(ctx, obj.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Delete(ctx, obj.Key))
	ok, err = p.Exists(ctx, obj.Key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, p.Delete(ctx, obj.Key), ErrNotFound)

	_, err = p.URL(ctx, "../secret", 0)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

type mockS3 struct {
	puts    map[string][]byte
	deleted []string
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	m.puts[*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.deleted = append(m.deleted, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := m.puts[*in.Key]; ok {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &s3types.NotFound{}
}

type mockPresigner struct {
	expires time.Duration
}

func (m *mockPresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	m.expires = opts.Expires
	return &v4.PresignedHTTPRequest{
		URL:    "https://" + *in.Bucket + ".s3.amazonaws.com/" + *in.Key + "?X-Amz-Signature=abc",
		Method: http.MethodGet,
	}, nil
}

func TestS3ProviderUploadPresignsAndDeletes(t *testing.T) {
	client := &mockS3{puts: map[string][]byte{}}
	signer := &mockPresigner{}
	p, err := NewS3Provider(client, signer, "clinic-docs", 15*time.Minute, nil)
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := p.Upload(ctx, bytes.NewReader([]byte("%PDF-1.4")), FileInfo{Name: "x.pdf", ContentType: "application/pdf", Size: 8}, "documents")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), client.puts[obj.Key])
	assert.Contains(t, obj.URL, "X-Amz-Signature")
	assert.Equal(t, 15*time.Minute, signer.expires)

	_, err = p.URL(ctx, obj.Key, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, signer.expires)

	ok, err := p.Exists(ctx, obj.Key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.Exists(ctx, "documents/missing.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Delete(ctx, obj.Key))
	assert.Equal(t, []string{obj.Key}, client.deleted)
}

func TestNewS3ProviderRequiresBucket(t *testing.T) {
	_, err := NewS3Provider(&mockS3{}, &mockPresigner{}, "", 0, nil)
	assert.Error(t, err)
}
