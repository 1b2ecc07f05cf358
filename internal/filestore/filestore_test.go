package filestore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/studyforge/internal/model"
)

func TestCleanKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		invalid bool
	}{
		{in: "batches/b1/pages/0001.png", want: "batches/b1/pages/0001.png"},
		{in: "/batches//b1/./x.png", want: "batches/b1/x.png"},
		{in: "", invalid: true},
		{in: "../etc/passwd", invalid: true},
		{in: "a/../../b", invalid: true},
		{in: "..", invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := CleanKey(tt.in)
			if tt.invalid {
				assert.True(t, model.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "batches/b1/pages/0007.png", PageKey("b1", 7, ".png"))
	assert.Equal(t, "flashcards/f1.jpg", VisualKey("f1", ".jpg"))
}

func TestLocal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := New(Config{Backend: "local", LocalDir: t.TempDir()})
	require.NoError(t, err)

	key := PageKey("b1", 1, ".png")
	require.NoError(t, st.Put(ctx, key, []byte("png-bytes"), "image/png"))
	data, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	require.NoError(t, st.Put(ctx, key, []byte("replaced"), "image/png"))
	data, err = st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), data)

	require.NoError(t, st.Delete(ctx, key, "never/written.png"))
	_, err = st.Get(ctx, key)
	assert.True(t, model.IsNotFound(err))

	assert.True(t, model.IsValidation(st.Put(ctx, "../x", nil, "")))
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Backend: "ftp"})
	assert.Error(t, err)
	_, err = New(Config{Backend: "s3"})
	assert.Error(t, err, "bucket is required")
}

type mockS3 struct{ mock.Mock }

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	return &s3.PutObjectOutput{}, args.Error(0)
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	args := m.Called(ctx, in)
	return &s3.DeleteObjectsOutput{}, args.Error(0)
}

func TestS3(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := &mockS3{}
	st := NewS3WithClient(api, "uploads", "studyforge")

	api.On("PutObject", ctx, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Bucket) == "uploads" &&
			aws.ToString(in.Key) == "studyforge/batches/b1/pages/0001.png" &&
			aws.ToString(in.ContentType) == "image/png" &&
			aws.ToInt64(in.ContentLength) == 3
	})).Return(nil)
	require.NoError(t, st.Put(ctx, PageKey("b1", 1, ".png"), []byte("abc"), "image/png"))

	api.On("GetObject", ctx, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "studyforge/present.png"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("abc")))}, nil)
	data, err := st.Get(ctx, "present.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	api.On("GetObject", ctx, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "studyforge/missing.png"
	})).Return(nil, &types.NoSuchKey{})
	_, err = st.Get(ctx, "missing.png")
	assert.True(t, model.IsNotFound(err))

	keys := make([]string, 1500)
	for i := range keys {
		keys[i] = PageKey("b1", i+1, ".png")
	}
	api.On("DeleteObjects", ctx, mock.Anything).Return(nil).Twice()
	require.NoError(t, st.Delete(ctx, keys...))

	api.AssertExpectations(t)
}
