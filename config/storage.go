package config

import "os"

const (
	StorageTypeLocal = "local"
	StorageTypeS3    = "s3"
	StorageTypeMinio = "minio"
)

// StorageConfig describes the remote storage that holds the inbox.
type StorageConfig struct {
	Type    string        `yaml:"type"`
	Folders FoldersConfig `yaml:"folders"`
	Local   LocalConfig   `yaml:"local"`
	S3      S3Config      `yaml:"s3"`
	Minio   MinioConfig   `yaml:"minio"`
}

// FoldersConfig 远端目录名
type FoldersConfig struct {
	Inbox            string `yaml:"inbox"`
	ProcessedRecords string `yaml:"processedRecords"`
	ProcessedSources string `yaml:"processedSources"`
}

type LocalConfig struct {
	Root string `yaml:"root"`
}

type S3Config struct {
	BucketName string `yaml:"bucketName"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
}

type MinioConfig struct {
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	Endpoint   string `yaml:"endpoint"`
	UseSSL     bool   `yaml:"useSSL"`
	Region     string `yaml:"region"`
	BucketName string `yaml:"bucketName"`
}

func defaultStorage() StorageConfig {
	return StorageConfig{
		Type: StorageTypeLocal,
		Folders: FoldersConfig{
			Inbox:            "inbox",
			ProcessedRecords: "processed/records",
			ProcessedSources: "processed/sources",
		},
		Local: LocalConfig{Root: "remote"},
		S3:    S3Config{Region: "us-east-1"},
		Minio: MinioConfig{Endpoint: "localhost:9000", Region: "us-east-1", BucketName: "knowledge-inbox"},
	}
}

func (s *StorageConfig) applyEnvOverrides() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&s.Local.Root, "PKM_LOCAL_REMOTE_ROOT")

	set(&s.S3.BucketName, "AWS_S3_BUCKET_NAME")
	set(&s.S3.Region, "AWS_REGION")
	set(&s.S3.Endpoint, "AWS_ENDPOINT")
	set(&s.S3.AccessKey, "AWS_ACCESS_KEY")
	set(&s.S3.SecretKey, "AWS_SECRET_KEY")

	set(&s.Minio.AccessKey, "MINIO_ACCESS_KEY")
	set(&s.Minio.SecretKey, "MINIO_SECRET_KEY")
	set(&s.Minio.Endpoint, "MINIO_ENDPOINT")
	set(&s.Minio.Region, "MINIO_REGION")
	set(&s.Minio.BucketName, "MINIO_BUCKET_NAME")
	if v, ok := envBool("MINIO_USE_SSL"); ok {
		s.Minio.UseSSL = v
	}
}
