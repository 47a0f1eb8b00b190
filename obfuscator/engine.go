// Package obfuscator hides human faces in pet photographs. Faces that sit on
// a detected cat or dog are left alone, and every processed image is
// re-checked so residual faces are routed to manual review.
package obfuscator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"petprep/config"
	"petprep/detectors"
	"petprep/imageprocessor"
	"petprep/logging"
	"petprep/types"

	"gocv.io/x/gocv"
)

// Options tune one engine
type Options struct {
	PaddingRatio          float64
	DetectionConfidence   float64
	VerificationThreshold float64
	OverlapThreshold      float64
	FilterAnimals         bool
	JPEGQuality           int
}

// OptionsFromConfig reads engine options from the face settings
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PaddingRatio:          cfg.Face.PaddingRatio,
		DetectionConfidence:   cfg.Face.DetectionConfidence,
		VerificationThreshold: cfg.Face.VerificationThreshold,
		OverlapThreshold:      cfg.Face.AnimalOverlapThreshold,
		FilterAnimals:         cfg.Face.FilterAnimalFaces,
		JPEGQuality:           cfg.Output.JPEGQuality,
	}
}

// Engine runs the per image obfuscation state machine
type Engine struct {
	loader     *imageprocessor.ImageLoaderRegistry
	faces      detectors.FaceDetector
	animals    detectors.AnimalDetector
	anonymizer Anonymizer
	opts       Options
}

// NewEngine creates an engine. animals may be nil when animal filtering is off.
func NewEngine(loader *imageprocessor.ImageLoaderRegistry, faces detectors.FaceDetector, animals detectors.AnimalDetector, anonymizer Anonymizer, opts Options) *Engine {
	if animals == nil {
		animals = detectors.Unavailable{}
	}
	return &Engine{loader: loader, faces: faces, animals: animals, anonymizer: anonymizer, opts: opts}
}

// Method returns the configured anonymization method
func (e *Engine) Method() string {
	return e.anonymizer.Name()
}

// Process obfuscates the faces in the image at path and writes the result to
// outDir. Nothing is written for no_face or failed results, or once ctx is
// done.
func (e *Engine) Process(ctx context.Context, path, outDir string) types.ObfuscationResult {
	name := filepath.Base(path)
	outName, renamed := imageprocessor.OutputName(name)
	result := types.ObfuscationResult{Image: name, OutputName: outName, Renamed: renamed}

	img, err := e.loader.LoadImage(path)
	if err != nil {
		result.Action = types.ActionFailed
		result.OutputName = ""
		result.Renamed = false
		result.Error = fmt.Sprintf("Failed to load image: %v", err)
		return result
	}
	defer img.Close()

	animals := e.detectAnimals(img, name)
	result.AnimalsDetected = len(animals)

	detected, err := e.faces.DetectFaces(img)
	if err != nil {
		// an image that could not be checked is never treated as clean
		logging.LogWarning("Face detection failed for %s: %v", name, err)
		result.Action = types.ActionQARequired
		result.Verification = types.VerificationError
		result.Error = fmt.Sprintf("face detection failed: %v", err)
		e.write(ctx, img, outDir, &result)
		return result
	}

	faces := e.confident(detected)
	result.FaceCount = len(faces)
	if len(faces) == 0 {
		result.Action = types.ActionNoFace
		result.Verification = types.VerificationSkipped
		return result
	}

	out := img.Clone()
	defer func() { out.Close() }()

	var applied []string
	for _, face := range faces {
		if ctx.Err() != nil {
			result.Action = types.ActionSkipped
			result.Error = ctx.Err().Error()
			return result
		}
		if overlapsAnimal(face.Box, animals, e.opts.OverlapThreshold) {
			result.FacesSkippedAnimal++
			logging.DebugLog("Skipping face at %+v in %s: overlaps an animal", face.Box, name)
			continue
		}

		mask := FaceMask(out.Rows(), out.Cols(), face.Box, e.opts.PaddingRatio)
		next, method, err := e.anonymizer.Apply(out, mask)
		mask.Close()
		if err != nil {
			result.Action = types.ActionFailed
			result.Error = fmt.Sprintf("obfuscation failed: %v", err)
			return result
		}
		out.Close()
		out = next
		result.FacesObfuscated++
		applied = appendUnique(applied, method)
	}
	result.Method = strings.Join(applied, ",")

	e.verify(out, &result)
	e.write(ctx, out, outDir, &result)
	return result
}

func (e *Engine) detectAnimals(img gocv.Mat, name string) []types.AnimalBox {
	if !e.opts.FilterAnimals {
		return nil
	}
	animals, err := e.animals.DetectAnimals(img)
	if err != nil {
		if !errors.Is(err, detectors.ErrUnavailable) {
			logging.LogWarning("Animal detection failed for %s: %v", name, err)
		}
		return nil
	}
	return animals
}

func (e *Engine) confident(faces []types.FaceDetection) []types.FaceDetection {
	out := faces[:0:0]
	for _, f := range faces {
		if f.Confidence >= e.opts.DetectionConfidence {
			out = append(out, f)
		}
	}
	return out
}

// verify re-runs face detection on the obfuscated image
func (e *Engine) verify(img gocv.Mat, result *types.ObfuscationResult) {
	after, err := e.faces.DetectFaces(img)
	if err != nil {
		logging.LogWarning("Verification failed for %s: %v", result.Image, err)
		result.Action = types.ActionQARequired
		result.Verification = types.VerificationError
		return
	}

	var maxConf float64
	for _, f := range after {
		if f.Confidence > maxConf {
			maxConf = f.Confidence
		}
	}
	result.MaxConfidenceAfter = maxConf

	if maxConf > e.opts.VerificationThreshold {
		result.Action = types.ActionQARequired
		result.Verification = types.VerificationFailed
		return
	}
	result.Action = types.ActionObfuscated
	result.Verification = types.VerificationPassed
}

func (e *Engine) write(ctx context.Context, img gocv.Mat, outDir string, result *types.ObfuscationResult) {
	if err := ctx.Err(); err != nil {
		result.Action = types.ActionSkipped
		result.Error = err.Error()
		return
	}
	dst := filepath.Join(outDir, result.OutputName)
	if err := imageprocessor.WriteImage(dst, img, e.opts.JPEGQuality); err != nil {
		result.Action = types.ActionFailed
		result.Error = err.Error()
	}
}

// overlapsAnimal reports whether more than threshold of the face area lies
// inside any animal box
func overlapsAnimal(face types.BoundingBox, animals []types.AnimalBox, threshold float64) bool {
	for _, a := range animals {
		if face.OverlapOf(a.Box) > threshold {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
