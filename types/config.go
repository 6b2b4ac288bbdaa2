package types

// AppConfig is config.yaml. Every field can be overridden from the
// environment by the name in its env tag.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Download DownloadConfig `yaml:"download"`
	S3       S3Config       `yaml:"s3"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" env:"PORT"`
	Protocol string `yaml:"protocol" env:"PROTOCOL"` // http or https
	// PublicURL is the base used for absolute links such as QR codes. When
	// empty the request's host is used.
	PublicURL string `yaml:"publicURL,omitempty" env:"PUBLIC_URL"`
	CertPEM   string `yaml:"certPEM,omitempty"`
	KeyPEM    string `yaml:"keyPEM,omitempty"`
}

type StorageConfig struct {
	UploadsDir        string `yaml:"uploadsDir" env:"UPLOADS_DIR"`
	TempDir           string `yaml:"tempDir" env:"TEMP_UPLOADS_DIR"`
	EncryptionKey     string `yaml:"encryptionKey,omitempty" env:"ENCRYPTION_KEY"`
	DisableEncryption bool   `yaml:"disableEncryption" env:"DISABLE_FILESYSTEM_ENCRYPTION"`
	// PresignedURLExpiration is the default token lifetime in seconds.
	PresignedURLExpiration int `yaml:"presignedUrlExpiration" env:"PRESIGNED_URL_EXPIRATION"`
}

type UploadsConfig struct {
	// StrictSize fails an upload whose reassembled size differs from the
	// declared total size instead of only logging it.
	StrictSize bool `yaml:"strictSize" env:"UPLOAD_STRICT_SIZE"`
}

// DownloadConfig holds admission overrides. Nil means "derive it".
type DownloadConfig struct {
	MaxConcurrent     *int     `yaml:"maxConcurrent,omitempty" env:"DOWNLOAD_MAX_CONCURRENT"`
	MemoryThresholdMB *int     `yaml:"memoryThresholdMB,omitempty" env:"DOWNLOAD_MEMORY_THRESHOLD_MB"`
	QueueSize         *int     `yaml:"queueSize,omitempty" env:"DOWNLOAD_QUEUE_SIZE"`
	AutoScale         *bool    `yaml:"autoScale,omitempty" env:"DOWNLOAD_AUTO_SCALE"`
	MinFileSizeGB     *float64 `yaml:"minFileSizeGB,omitempty" env:"DOWNLOAD_MIN_FILE_SIZE_GB"`
}

type S3Config struct {
	Enabled        bool   `yaml:"enabled" env:"ENABLE_S3"`
	Endpoint       string `yaml:"endpoint,omitempty" env:"S3_ENDPOINT"`
	Port           int    `yaml:"port,omitempty" env:"S3_PORT"`
	UseSSL         bool   `yaml:"useSSL" env:"S3_USE_SSL"`
	AccessKey      string `yaml:"accessKey,omitempty" env:"S3_ACCESS_KEY"`
	SecretKey      string `yaml:"secretKey,omitempty" env:"S3_SECRET_KEY"`
	Region         string `yaml:"region,omitempty" env:"S3_REGION"`
	Bucket         string `yaml:"bucket,omitempty" env:"S3_BUCKET_NAME"`
	ForcePathStyle bool   `yaml:"forcePathStyle" env:"S3_FORCE_PATH_STYLE"`
}
