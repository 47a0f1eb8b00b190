package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.32, cfg.Dedup.SimilarityThreshold)
	assert.Equal(t, MethodEgoBlur, cfg.Face.MethodName())
	assert.True(t, cfg.Face.FilterAnimalFaces)
	assert.Equal(t, 0.4, cfg.Face.VerificationThreshold)
	assert.Equal(t, 100, cfg.Oracle.MaxValidations)
	assert.Equal(t, 600*time.Second, cfg.Workers.ItemTimeout)
	assert.Equal(t, filepath.Join("workspace", DirDownloaded), cfg.Input())
}

func TestMethodAliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"egoblur", MethodEgoBlur},
		{"context-preserving", MethodEgoBlur},
		{"Fixed-Blur", MethodGaussian},
		{"pixelate", MethodPixelate},
		{" solid-overlay ", MethodSolid},
		{"sepia", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FaceConfig{Method: tt.in}.MethodName())
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Dedup.SimilarityThreshold = 1.5
	cfg.Face.VerificationThreshold = -0.1
	cfg.Face.Method = "sepia"
	cfg.Workers.NumWorkers = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "dedup.similarity_threshold")
	assert.Contains(t, err.Error(), "face.verification_threshold")
	assert.Contains(t, err.Error(), "face.method")
	assert.Contains(t, err.Error(), "num_workers")
}

func TestValidateOracleNeedsKey(t *testing.T) {
	cfg := Default()
	cfg.Oracle.Enabled = true
	require.Error(t, cfg.Validate())

	cfg.Oracle.APIKey = "test-key"
	require.NoError(t, cfg.Validate())
}

func TestValidateDetectors(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ValidateDetectors())

	cfg.Models.FaceModel = "res10.caffemodel"
	cfg.Models.FaceModelConfig = "deploy.prototxt"
	cfg.Models.YOLOModel = "yolov8n.onnx"
	require.NoError(t, cfg.ValidateDetectors())

	cfg.Models.FaceDetector = FaceDetectorHaar
	require.Error(t, cfg.ValidateDetectors())
	cfg.Models.FaceCascade = "haarcascade_frontalface_default.xml"
	require.NoError(t, cfg.ValidateDetectors())

	cfg.Face.FilterAnimalFaces = false
	cfg.Models.YOLOModel = ""
	require.NoError(t, cfg.ValidateDetectors())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	yamlData := `
workspace_dir: /data/ws
dedup:
  similarity_threshold: 0.6
face:
  method: pixelate
  filter_animal_faces: false
workers:
  item_timeout: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0644))

	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("FACE_PADDING_RATIO", "0.5")
	t.Setenv("NUM_WORKERS", "8")
	t.Setenv("PIPELINE_TIMEOUT", "120")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/ws", cfg.WorkspaceDir)
	assert.Equal(t, 0.6, cfg.Dedup.SimilarityThreshold)
	assert.Equal(t, MethodPixelate, cfg.Face.MethodName())
	assert.False(t, cfg.Face.FilterAnimalFaces)
	assert.Equal(t, 30*time.Second, cfg.Workers.ItemTimeout)
	assert.Equal(t, 0.5, cfg.Face.PaddingRatio)
	assert.Equal(t, 8, cfg.Workers.NumWorkers)
	assert.Equal(t, 120*time.Second, cfg.Workers.PipelineTimeout)
	// untouched values keep their defaults
	assert.Equal(t, 0.4, cfg.Face.VerificationThreshold)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "settings.env")
	require.NoError(t, os.WriteFile(envPath, []byte("USE_LLM_VALIDATION=true\nMAX_LLM_VALIDATIONS=7\n"), 0644))

	t.Setenv("ENV_FILE", envPath)
	t.Cleanup(func() {
		os.Unsetenv("USE_LLM_VALIDATION")
		os.Unsetenv("MAX_LLM_VALIDATIONS")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Oracle.Enabled)
	assert.Equal(t, 7, cfg.Oracle.MaxValidations)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
