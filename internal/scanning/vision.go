package scanning

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

const textDetection = "TEXT_DETECTION"

// Vision implements the Recognizer interface using Google Cloud Vision text detection
type Vision struct {
	service *vision.Service
}

// NewVision creates a new Vision Recognizer authenticated with an API key.
// endpoint overrides the API base URL and may be empty.
func NewVision(ctx context.Context, apiKey string, endpoint string) (*Vision, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vision: %w", ErrNoCredential)
	}

	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	service, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vision service: %w", err)
	}

	return &Vision{service: service}, nil
}

// RecognizeText runs text detection on a single image
func (v *Vision) RecognizeText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	finalImageData, _, err := prepareImageData(imageData, contentType, visionNativeTypes)
	if err != nil {
		return "", err
	}

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{
			{
				Image: &vision.Image{
					Content: base64.StdEncoding.EncodeToString(finalImageData),
				},
				Features: []*vision.Feature{
					{Type: textDetection, MaxResults: 1},
				},
			},
		},
	}

	resp, err := v.service.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calling vision API: %w", err)
	}

	if len(resp.Responses) == 0 {
		return "", fmt.Errorf("no response from vision")
	}

	result := resp.Responses[0]
	if result.Error != nil {
		return "", fmt.Errorf("vision API error: %s", result.Error.Message)
	}

	// The first annotation holds the full text block; the rest are single words
	if len(result.TextAnnotations) == 0 {
		return "", nil
	}
	return result.TextAnnotations[0].Description, nil
}

// Close is a no-op; the Vision service holds no resources beyond its HTTP client
func (v *Vision) Close() error {
	return nil
}
