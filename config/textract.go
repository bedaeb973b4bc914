package config

import (
	"os"
	"strings"
	"time"
)

const (
	ImageEngineTesseract = "tesseract"
	ImageEngineTextract  = "textract"
)

// ExtractionConfig 文本提取相关配置
type ExtractionConfig struct {
	MaxFileSize     int64          `yaml:"maxFileSize"`
	ImageEngine     string         `yaml:"imageEngine"`
	OCRLanguages    []string       `yaml:"ocrLanguages"`
	PDFWorkers      int            `yaml:"pdfWorkers"`
	EnrichURLs      bool           `yaml:"enrichURLs"`
	URLFetchTimeout time.Duration  `yaml:"urlFetchTimeout"`
	MaxURLFetches   int            `yaml:"maxURLFetches"`
	Textract        TextractConfig `yaml:"textract"`
}

type TextractConfig struct {
	Region        string  `yaml:"region"`
	Endpoint      string  `yaml:"endpoint"`
	AccessKey     string  `yaml:"accessKey"`
	SecretKey     string  `yaml:"secretKey"`
	MinConfidence float32 `yaml:"minConfidence"`
	EnableTable   bool    `yaml:"enableTable"`
	EnableForm    bool    `yaml:"enableForm"`
}

func defaultExtraction() ExtractionConfig {
	return ExtractionConfig{
		MaxFileSize:     50 * 1024 * 1024,
		ImageEngine:     ImageEngineTesseract,
		OCRLanguages:    []string{"eng"},
		PDFWorkers:      4,
		EnrichURLs:      true,
		URLFetchTimeout: 10 * time.Second,
		MaxURLFetches:   4,
		Textract: TextractConfig{
			Region:        "us-east-1",
			MinConfidence: 80,
			EnableTable:   true,
			EnableForm:    true,
		},
	}
}

func (e *ExtractionConfig) applyEnvOverrides() {
	if v := os.Getenv("PKM_IMAGE_ENGINE"); v != "" {
		e.ImageEngine = v
	}
	if v := os.Getenv("PKM_OCR_LANGUAGES"); v != "" {
		e.OCRLanguages = strings.Split(v, "+")
	}
	if v, ok := envBool("PKM_ENRICH_URLS"); ok {
		e.EnrichURLs = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		e.Textract.Region = v
	}
	if v := os.Getenv("AWS_ENDPOINT"); v != "" {
		e.Textract.Endpoint = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY"); v != "" {
		e.Textract.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_KEY"); v != "" {
		e.Textract.SecretKey = v
	}
}
