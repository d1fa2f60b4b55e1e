package runner

import (
	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/upload"
	"github.com/sirupsen/logrus"
)

// NewUploaderFactory returns the production factory: an SFTP session, or a
// local file uploader for dry runs.
func NewUploaderFactory(log logrus.FieldLogger) UploaderFactory {
	return func(req *config.UploadRequest) (upload.Uploader, error) {
		opts, err := streamOptions(req)
		if err != nil {
			return nil, err
		}

		if req.DryRun() {
			return upload.NewFileUploader(log, req.OutputDir, opts), nil
		}

		d := req.Destination

		var key []byte
		if d.PrivateKey != "" {
			key = []byte(d.PrivateKey)
		}

		return upload.NewSession(log, upload.SessionConfig{
			Server:               d.Server,
			Port:                 d.Port,
			User:                 d.User,
			Password:             d.Password,
			PrivateKey:           key,
			PrivateKeyPassphrase: d.PrivateKeyPassphrase,
			KnownHostsFile:       d.KnownHostsFile,
			DialTimeout:          req.DialTimeout,
			Stream:               opts,
		}), nil
	}
}

func streamOptions(req *config.UploadRequest) (upload.StreamOptions, error) {
	rate, err := req.RateLimitBytes()
	if err != nil {
		return upload.StreamOptions{}, err
	}

	size, err := req.BufferSizeBytes()
	if err != nil {
		return upload.StreamOptions{}, err
	}

	return upload.StreamOptions{BufferSize: size, RateLimit: rate}, nil
}
