package runner

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/upload"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUploader struct {
	mock.Mock
}

func (m *mockUploader) Preflight(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockUploader) Upload(ctx context.Context, dir, name string, produce upload.ProduceFunc) (int64, error) {
	args := m.Called(ctx, dir, name, produce)

	return args.Get(0).(int64), args.Error(1)
}

func (m *mockUploader) Close() error {
	return m.Called().Error(0)
}

func factoryFor(u upload.Uploader) UploaderFactory {
	return func(*config.UploadRequest) (upload.Uploader, error) {
		return u, nil
	}
}

func failIfCalled(t *testing.T) UploaderFactory {
	return func(*config.UploadRequest) (upload.Uploader, error) {
		t.Fatal("uploader must not be created")

		return nil, nil
	}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func newRequest(searchPath string) *config.UploadRequest {
	return &config.UploadRequest{
		ArtifactName:     "artifact.zip",
		SearchPath:       searchPath,
		IfNoFilesFound:   config.NoFilesWarn,
		CompressionLevel: 6,
		Destination: config.Destination{
			Server:     "sftp.example.com",
			Port:       22,
			User:       "ci",
			Password:   "secret",
			RemotePath: "/upload/run",
		},
	}
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string]string, len(zr.File))

	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)

		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		out[f.Name] = string(content)
	}

	return out
}

func TestRun_EndToEndDryRun(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{
		"out/a.txt":     "alpha",
		"out/sub/b.txt": "bravo",
	})

	req := newRequest(filepath.Join(work, "out", "*"))
	req.OutputDir = filepath.Join(t.TempDir(), "dry")

	log := logrus.New()
	log.SetOutput(io.Discard)

	r := NewRunner(log, NewUploaderFactory(log))

	result, err := r.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.True(t, result.DryRun)
	assert.Equal(t, filepath.Join(work, "out"), result.RootDir)
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, result.Members)
	assert.Equal(t, "/upload/run/artifact.zip", result.RemoteFile())
	assert.Equal(t, 2, result.Archive.Files)
	assert.Equal(t, int64(10), result.Archive.UncompressedSize)
	assert.Positive(t, result.BytesUploaded)
	assert.Equal(t, result.Archive.CompressedSize, result.BytesUploaded)

	data, err := os.ReadFile(filepath.Join(req.OutputDir, "upload", "run", "artifact.zip"))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), result.BytesUploaded)

	assert.Equal(t, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "bravo",
	}, readZip(t, data))
}

func TestRun_StreamsArchiveToUploader(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"report.txt": "report"})

	req := newRequest(filepath.Join(work, "report.txt"))

	var buf bytes.Buffer

	u := &mockUploader{}
	u.On("Preflight", mock.Anything).Return(nil).Once()
	u.On("Upload", mock.Anything, "/upload/run", "artifact.zip", mock.Anything).
		Run(func(args mock.Arguments) {
			produce := args.Get(3).(upload.ProduceFunc)
			require.NoError(t, produce(context.Background(), &buf))
		}).
		Return(int64(123), nil).Once()
	u.On("Close").Return(nil).Once()

	logger, _ := test.NewNullLogger()

	result, err := NewRunner(logger, factoryFor(u)).Run(context.Background(), req)
	require.NoError(t, err)

	u.AssertExpectations(t)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, int64(123), result.BytesUploaded)
	// A single matched file is archived relative to its parent directory.
	assert.Equal(t, work, result.RootDir)
	assert.Equal(t, map[string]string{"report.txt": "report"}, readZip(t, buf.Bytes()))
}

func TestRun_NoFilesPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     config.NoFilesPolicy
		wantErr    error
		wantStatus Status
		wantLevel  logrus.Level
	}{
		{
			name:       "warn",
			policy:     config.NoFilesWarn,
			wantStatus: StatusSkipped,
			wantLevel:  logrus.WarnLevel,
		},
		{
			name:       "error",
			policy:     config.NoFilesError,
			wantErr:    ErrNoFilesFound,
			wantStatus: StatusFailed,
		},
		{
			name:       "ignore",
			policy:     config.NoFilesIgnore,
			wantStatus: StatusSkipped,
			wantLevel:  logrus.DebugLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(filepath.Join(t.TempDir(), "missing", "*.txt"))
			req.IfNoFilesFound = tt.policy

			logger, hook := test.NewNullLogger()
			logger.SetLevel(logrus.DebugLevel)

			result, err := NewRunner(logger, failIfCalled(t)).Run(context.Background(), req)
			assert.Equal(t, tt.wantStatus, result.Status)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), "No files were found with the provided path")

				return
			}

			require.NoError(t, err)

			var found bool

			for _, e := range hook.AllEntries() {
				if e.Level == tt.wantLevel && bytes.Contains([]byte(e.Message), []byte("No files were found")) {
					found = true
				}

				assert.False(t, tt.policy == config.NoFilesIgnore && e.Level <= logrus.WarnLevel,
					"ignore must not warn: %s", e.Message)
			}

			assert.True(t, found)
		})
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	req := newRequest("*.txt")
	req.CompressionLevel = 12

	logger, _ := test.NewNullLogger()

	result, err := NewRunner(logger, failIfCalled(t)).Run(context.Background(), req)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestRun_PreflightFailureClosesUploader(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"a.txt": "a"})

	u := &mockUploader{}
	u.On("Preflight", mock.Anything).Return(upload.ErrAuthentication).Once()
	u.On("Close").Return(nil).Once()

	logger, _ := test.NewNullLogger()

	result, err := NewRunner(logger, factoryFor(u)).Run(context.Background(), newRequest(filepath.Join(work, "*")))
	require.ErrorIs(t, err, upload.ErrAuthentication)
	assert.Equal(t, StatusFailed, result.Status)

	u.AssertExpectations(t)
	u.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_UploadFailure(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"a.txt": "a"})

	u := &mockUploader{}
	u.On("Preflight", mock.Anything).Return(nil).Once()
	u.On("Upload", mock.Anything, "/upload/run", "artifact.zip", mock.Anything).
		Return(int64(42), upload.ErrTransport).Once()
	u.On("Close").Return(assert.AnError).Once()

	logger, hook := test.NewNullLogger()

	result, err := NewRunner(logger, factoryFor(u)).Run(context.Background(), newRequest(filepath.Join(work, "*")))
	require.ErrorIs(t, err, upload.ErrTransport)
	assert.Contains(t, err.Error(), "/upload/run/artifact.zip")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, int64(42), result.BytesUploaded)

	u.AssertExpectations(t)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Failed to close uploader", hook.LastEntry().Message)
}

func TestRun_Timeout(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"a.txt": "a"})

	req := newRequest(filepath.Join(work, "*"))
	req.Timeout = 50 * time.Millisecond

	u := &mockUploader{}
	u.On("Preflight", mock.Anything).Return(nil).Once()
	u.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(int64(0), context.DeadlineExceeded).Once()
	u.On("Close").Return(nil).Once()

	logger, _ := test.NewNullLogger()

	start := time.Now()

	_, err := NewRunner(logger, factoryFor(u)).Run(context.Background(), req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	u.AssertExpectations(t)
}

func TestRun_SymlinkOutsideRootUsesLexicalName(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"in/a.txt": "a", "elsewhere/secret.txt": "s"})

	require.NoError(t, os.Symlink(filepath.Join(work, "elsewhere", "secret.txt"), filepath.Join(work, "in", "link.txt")))

	var buf bytes.Buffer

	u := &mockUploader{}
	u.On("Preflight", mock.Anything).Return(nil).Once()
	u.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, args.Get(3).(upload.ProduceFunc)(context.Background(), &buf))
		}).
		Return(int64(1), nil).Once()
	u.On("Close").Return(nil).Once()

	logger, _ := test.NewNullLogger()

	result, err := NewRunner(logger, factoryFor(u)).Run(context.Background(), newRequest(filepath.Join(work, "in", "*")))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "link.txt"}, result.Members)
	assert.Equal(t, map[string]string{"a.txt": "a", "link.txt": "s"}, readZip(t, buf.Bytes()))
}
