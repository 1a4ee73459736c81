package mirror

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

func testItem() Item {
	return Item{
		TaxID:   "12345678000190",
		Period:  fiscal.MustParsePeriod("03-2025"),
		Class:   fiscal.ClassNFe,
		Role:    fiscal.RoleIssuer,
		Key:     fiscal.DocumentKey(strings.Repeat("4", fiscal.KeyLength)),
		Content: []byte("<NFe/>"),
	}
}

func TestDirSink_PutOnce(t *testing.T) {
	s, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	item := testItem()

	written, err := s.Put(ctx, item)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.Put(ctx, item)
	require.NoError(t, err)
	assert.False(t, written)

	body, err := os.ReadFile(s.Path(item))
	require.NoError(t, err)
	assert.Equal(t, item.Content, body)
}

func TestDirSink_ConcurrentPutWritesOnce(t *testing.T) {
	s, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	item := testItem()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			written, err := s.Put(context.Background(), item)
			assert.NoError(t, err)
			if written {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
}

type fakeS3 struct {
	objects map[string][]byte
	headErr error
	putErr  error
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Key)]; ok {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_PutOnce(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	s := NewS3SinkWithClient(fake, "bucket", "mirror")
	item := testItem()

	assert.Equal(t, "mirror/12345678000190/03-2025/NFe/"+string(item.Key)+".xml", s.ObjectKey(item))

	written, err := s.Put(context.Background(), item)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.Put(context.Background(), item)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, 1, fake.puts)
}

func TestS3Sink_HeadFailureIsNotTreatedAsMissing(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, headErr: errors.New("access denied")}
	s := NewS3SinkWithClient(fake, "bucket", "")

	_, err := s.Put(context.Background(), testItem())
	require.Error(t, err)
	assert.Equal(t, 0, fake.puts)
}

func TestS3Sink_PutFailure(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, putErr: errors.New("slow down")}
	s := NewS3SinkWithClient(fake, "bucket", "")

	written, err := s.Put(context.Background(), testItem())
	require.Error(t, err)
	assert.False(t, written)
}
