// Package config holds the pipeline configuration: defaults, YAML and
// environment loading, and validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Obfuscation method names
const (
	MethodEgoBlur  = "egoblur"
	MethodGaussian = "gaussian"
	MethodPixelate = "pixelate"
	MethodSolid    = "solid"
)

var methodAliases = map[string]string{
	MethodEgoBlur:        MethodEgoBlur,
	"context-preserving": MethodEgoBlur,
	MethodGaussian:       MethodGaussian,
	"fixed-blur":         MethodGaussian,
	MethodPixelate:       MethodPixelate,
	MethodSolid:          MethodSolid,
	"solid-overlay":      MethodSolid,
}

// Face detector backends
const (
	FaceDetectorSSD  = "ssd"
	FaceDetectorHaar = "haar"
)

// Config is the full pipeline configuration
type Config struct {
	WorkspaceDir string `yaml:"workspace_dir" env:"WORKSPACE_DIR"`
	InputDir     string `yaml:"input_dir" env:"INPUT_DIR"`
	DatabasePath string `yaml:"database" env:"DATABASE_PATH"`
	LogFile      string `yaml:"log_file" env:"LOG_FILE"`
	Debug        bool   `yaml:"debug" env:"DEBUG"`
	DryRun       bool   `yaml:"dry_run" env:"DRY_RUN"`
	LimitImages  int    `yaml:"limit_images" env:"LIMIT_IMAGES"`

	Dedup   DedupConfig  `yaml:"dedup"`
	Face    FaceConfig   `yaml:"face"`
	Models  ModelConfig  `yaml:"models"`
	Oracle  OracleConfig `yaml:"oracle"`
	Workers WorkerConfig `yaml:"workers"`
	Output  OutputConfig `yaml:"output"`
}

// DedupConfig configures the scene deduplicator
type DedupConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"DEDUP_THRESHOLD"`
	ExtractWorkers      int     `yaml:"extract_workers" env:"EXTRACT_WORKERS"`
	WriteReport         bool    `yaml:"write_report" env:"DEDUP_REPORT"`
}

// FaceConfig configures detection and anonymization of human faces
type FaceConfig struct {
	Method                 string  `yaml:"method" env:"OBFUSCATION_METHOD"`
	FilterAnimalFaces      bool    `yaml:"filter_animal_faces" env:"FILTER_ANIMAL_FACES"`
	DetectionConfidence    float64 `yaml:"detection_confidence" env:"FACE_DETECTION_CONFIDENCE"`
	VerificationThreshold  float64 `yaml:"verification_threshold" env:"FACE_VERIFICATION_THRESHOLD"`
	PaddingRatio           float64 `yaml:"padding_ratio" env:"FACE_PADDING_RATIO"`
	AnimalConfidence       float64 `yaml:"animal_confidence" env:"ANIMAL_CONFIDENCE"`
	AnimalOverlapThreshold float64 `yaml:"animal_overlap_threshold" env:"ANIMAL_OVERLAP_THRESHOLD"`
	EgoBlurIntensity       float64 `yaml:"egoblur_intensity" env:"EGOBLUR_INTENSITY"`
	BlurKernelSize         int     `yaml:"blur_kernel_size" env:"BLUR_KERNEL_SIZE"`
	BlurSigma              float64 `yaml:"blur_sigma" env:"BLUR_SIGMA"`
	PixelateSize           int     `yaml:"pixelate_size" env:"PIXELATE_SIZE"`
}

// ModelConfig points at the detector weights on disk
type ModelConfig struct {
	FaceDetector      string `yaml:"face_detector" env:"FACE_DETECTOR"`
	FaceModel         string `yaml:"face_model" env:"FACE_MODEL"`
	FaceModelConfig   string `yaml:"face_model_config" env:"FACE_MODEL_CONFIG"`
	FaceCascade       string `yaml:"face_cascade" env:"FACE_CASCADE"`
	YOLOModel         string `yaml:"yolo_model" env:"YOLO_MODEL"`
	SegmentationModel string `yaml:"segmentation_model" env:"SEGMENTATION_MODEL"`
}

// OracleConfig configures the optional LLM duplicate validator
type OracleConfig struct {
	Enabled        bool          `yaml:"enabled" env:"USE_LLM_VALIDATION"`
	MaxValidations int           `yaml:"max_validations" env:"MAX_LLM_VALIDATIONS"`
	APIKey         string        `yaml:"-" env:"ANTHROPIC_API_KEY"`
	Model          string        `yaml:"model" env:"ORACLE_MODEL"`
	Timeout        time.Duration `yaml:"timeout" env:"ORACLE_TIMEOUT"`
}

// WorkerConfig sizes the obfuscation worker pool
type WorkerConfig struct {
	NumWorkers      int           `yaml:"num_workers" env:"NUM_WORKERS"`
	ItemTimeout     time.Duration `yaml:"item_timeout" env:"ITEM_TIMEOUT"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout" env:"PIPELINE_TIMEOUT"`
}

// OutputConfig controls written files
type OutputConfig struct {
	JPEGQuality     int    `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
	PipelineVersion string `yaml:"pipeline_version" env:"PIPELINE_VERSION"`
	WriteMetrics    bool   `yaml:"write_metrics" env:"WRITE_METRICS"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		WorkspaceDir: "workspace",
		DatabasePath: "",
		Dedup: DedupConfig{
			SimilarityThreshold: 0.32,
			WriteReport:         true,
		},
		Face: FaceConfig{
			Method:                 MethodEgoBlur,
			FilterAnimalFaces:      true,
			DetectionConfidence:    0.5,
			VerificationThreshold:  0.4,
			PaddingRatio:           0.3,
			AnimalConfidence:       0.5,
			AnimalOverlapThreshold: 0.3,
			EgoBlurIntensity:       1.0,
			BlurKernelSize:         99,
			BlurSigma:              30,
			PixelateSize:           12,
		},
		Models: ModelConfig{
			FaceDetector: FaceDetectorSSD,
		},
		Oracle: OracleConfig{
			MaxValidations: 100,
			Model:          "claude-sonnet-4-5",
			Timeout:        60 * time.Second,
		},
		Workers: WorkerConfig{
			NumWorkers:      4,
			ItemTimeout:     600 * time.Second,
			PipelineTimeout: 3600 * time.Second,
		},
		Output: OutputConfig{
			JPEGQuality:     95,
			PipelineVersion: "2.0",
			WriteMetrics:    true,
		},
	}
}

// MethodName returns the canonical obfuscation method name, or "" if unknown
func (f FaceConfig) MethodName() string {
	return methodAliases[strings.ToLower(strings.TrimSpace(f.Method))]
}

// Workspace folder names
const (
	DirDownloaded = "01_downloaded"
	DirUnique     = "02_unique_images"
	DirDuplicates = "02_duplicates"
	DirClusters   = "02_duplicate_clusters"
	DirProcessed  = "03_biometric_processed"
	DirFinal      = "04_final_output"
)

// Folder returns the path of a workspace sub folder
func (c *Config) Folder(name string) string {
	return filepath.Join(c.WorkspaceDir, name)
}

// Input returns the directory scanned for images
func (c *Config) Input() string {
	if c.InputDir != "" {
		return c.InputDir
	}
	return c.Folder(DirDownloaded)
}

// Database returns the sqlite path, defaulting into the workspace
func (c *Config) Database() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.WorkspaceDir, "runs.db")
}

// Validate checks ranges and required settings and reports every problem found
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	checkUnit := func(name string, v float64) {
		if v < 0 || v > 1 {
			add("%s must be between 0 and 1, got %v", name, v)
		}
	}
	checkUnit("dedup.similarity_threshold", c.Dedup.SimilarityThreshold)
	checkUnit("face.detection_confidence", c.Face.DetectionConfidence)
	checkUnit("face.verification_threshold", c.Face.VerificationThreshold)
	checkUnit("face.animal_confidence", c.Face.AnimalConfidence)
	checkUnit("face.animal_overlap_threshold", c.Face.AnimalOverlapThreshold)

	if c.Face.PaddingRatio < 0 {
		add("face.padding_ratio must not be negative, got %v", c.Face.PaddingRatio)
	}
	if c.Face.MethodName() == "" {
		add("face.method %q is not one of egoblur, gaussian, pixelate, solid", c.Face.Method)
	}
	if c.Face.EgoBlurIntensity <= 0 {
		add("face.egoblur_intensity must be positive")
	}
	if c.Face.BlurKernelSize <= 0 || c.Face.PixelateSize <= 0 {
		add("face.blur_kernel_size and face.pixelate_size must be positive")
	}
	if c.LimitImages < 0 {
		add("limit_images must not be negative")
	}
	if c.Workers.NumWorkers < 1 {
		add("workers.num_workers must be at least 1")
	}
	if c.Workers.ItemTimeout <= 0 {
		add("workers.item_timeout must be positive")
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		add("output.jpeg_quality must be between 1 and 100")
	}
	if c.Oracle.Enabled {
		if c.Oracle.APIKey == "" {
			add("ANTHROPIC_API_KEY is required when duplicate validation is enabled")
		}
		if c.Oracle.MaxValidations < 0 {
			add("oracle.max_validations must not be negative")
		}
	}

	return errors.Join(errs...)
}

// ValidateDetectors checks that the models needed by the obfuscation stage are
// configured. Deduplication alone does not need them.
func (c *Config) ValidateDetectors() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	switch c.Models.FaceDetector {
	case FaceDetectorSSD:
		if c.Models.FaceModel == "" || c.Models.FaceModelConfig == "" {
			add("models.face_model and models.face_model_config are required for the ssd face detector")
		}
	case FaceDetectorHaar:
		if c.Models.FaceCascade == "" {
			add("models.face_cascade is required for the haar face detector")
		}
	default:
		add("models.face_detector %q is not one of ssd, haar", c.Models.FaceDetector)
	}
	if c.Face.FilterAnimalFaces && c.Models.YOLOModel == "" {
		add("models.yolo_model is required when filter_animal_faces is enabled")
	}
	return errors.Join(errs...)
}

// Print writes a human readable summary of the configuration
func (c *Config) Print(w io.Writer) {
	fmt.Fprintf(w, "Configuration:\n")
	fmt.Fprintf(w, "  Workspace:              %s\n", c.WorkspaceDir)
	fmt.Fprintf(w, "  Input:                  %s\n", c.Input())
	fmt.Fprintf(w, "  Database:               %s\n", c.Database())
	fmt.Fprintf(w, "  Dedup threshold:        %.2f\n", c.Dedup.SimilarityThreshold)
	fmt.Fprintf(w, "  Use LLM validation:     %v (max %d)\n", c.Oracle.Enabled, c.Oracle.MaxValidations)
	fmt.Fprintf(w, "  Obfuscation method:     %s\n", c.Face.Method)
	fmt.Fprintf(w, "  Filter animal faces:    %v\n", c.Face.FilterAnimalFaces)
	fmt.Fprintf(w, "  Face confidence:        %.2f\n", c.Face.DetectionConfidence)
	fmt.Fprintf(w, "  Verification threshold: %.2f\n", c.Face.VerificationThreshold)
	fmt.Fprintf(w, "  Padding ratio:          %.2f\n", c.Face.PaddingRatio)
	fmt.Fprintf(w, "  Face detector:          %s\n", c.Models.FaceDetector)
	fmt.Fprintf(w, "  YOLO model:             %s\n", c.Models.YOLOModel)
	fmt.Fprintf(w, "  Segmentation model:     %s\n", c.Models.SegmentationModel)
	fmt.Fprintf(w, "  Workers:                %d (item timeout %v)\n", c.Workers.NumWorkers, c.Workers.ItemTimeout)
	if c.LimitImages > 0 {
		fmt.Fprintf(w, "  Limit images:           %d\n", c.LimitImages)
	}
	fmt.Fprintf(w, "  Dry run:                %v\n", c.DryRun)
	fmt.Fprintf(w, "  Debug:                  %v\n", c.Debug)
}
