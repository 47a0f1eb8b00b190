package detectors

import (
	"fmt"
	"math"

	"petprep/config"
	"petprep/logging"
)

// Needs lists the capabilities a command will use
type Needs struct {
	Segmentation bool
	Faces        bool
	Animals      bool
}

// NewProvider loads the detectors named in needs. Face and animal detectors
// are required once requested and a load failure is returned as an error.
// Segmentation is optional: with no model configured it degrades to
// Unavailable, but a configured model that fails to load is an error.
func NewProvider(cfg *config.Config, needs Needs) (*Set, error) {
	set := &Set{
		Faces:     Unavailable{},
		Animals:   Unavailable{},
		Segmenter: Unavailable{},
	}

	if needs.Segmentation {
		if cfg.Models.SegmentationModel == "" {
			logging.LogWarning("No segmentation model configured; background features will include people")
		} else {
			segmenter, err := NewYOLOPersonSegmenter(cfg.Models.SegmentationModel)
			if err != nil {
				set.Close()
				return nil, err
			}
			set.Segmenter = segmenter
			logging.LogInfo("Loaded person segmentation model %s", cfg.Models.SegmentationModel)
		}
	}

	if needs.Faces {
		// verification reads confidences below the detection floor
		floor := math.Min(cfg.Face.DetectionConfidence, cfg.Face.VerificationThreshold)
		faces, err := NewFaceDetector(cfg.Models, floor)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.Faces = faces
	}

	if needs.Animals && cfg.Face.FilterAnimalFaces {
		animals, err := NewYOLOAnimalDetector(cfg.Models.YOLOModel, cfg.Face.AnimalConfidence)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.Animals = animals
		logging.LogInfo("Loaded animal detector %s", cfg.Models.YOLOModel)
	}

	return set, nil
}

// NewFaceDetector loads the configured face detector backend
func NewFaceDetector(models config.ModelConfig, minConfidence float64) (FaceDetector, error) {
	switch models.FaceDetector {
	case config.FaceDetectorSSD:
		d, err := NewSSDFaceDetector(models.FaceModel, models.FaceModelConfig, minConfidence)
		if err != nil {
			return nil, err
		}
		logging.LogInfo("Loaded SSD face detector %s", models.FaceModel)
		return d, nil
	case config.FaceDetectorHaar:
		d, err := NewHaarFaceDetector(models.FaceCascade)
		if err != nil {
			return nil, err
		}
		logging.LogInfo("Loaded Haar face cascade %s", models.FaceCascade)
		return d, nil
	default:
		return nil, fmt.Errorf("%w: unknown face detector %q", ErrUnavailable, models.FaceDetector)
	}
}
