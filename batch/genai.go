package batch

import (
	"context"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const batchModel = "gemini-1.5-flash"

// genaiService adapts the vendor SDK to the service interface. All
// response-shape knowledge lives here.
type genaiService struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func newGenaiService(ctx context.Context, apiKey string) (*genaiService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	model := client.GenerativeModel(batchModel)
	model.GenerationConfig.SetTemperature(0)
	model.GenerationConfig.SetMaxOutputTokens(8192)

	return &genaiService{client: client, model: model}, nil
}

func (s *genaiService) Generate(ctx context.Context, parts ...genai.Part) (string, error) {
	resp, err := s.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}
	return responseText(resp), nil
}

func (s *genaiService) Upload(ctx context.Context, r io.Reader, displayName, mimeType string) (Upload, error) {
	f, err := s.client.UploadFile(ctx, "", r, &genai.UploadFileOptions{
		DisplayName: displayName,
		MIMEType:    mimeType,
	})
	if err != nil {
		return Upload{}, err
	}
	return normalizeFile(f), nil
}

func (s *genaiService) FileState(ctx context.Context, name string) (Upload, error) {
	f, err := s.client.GetFile(ctx, name)
	if err != nil {
		return Upload{}, err
	}
	return normalizeFile(f), nil
}

func (s *genaiService) Close() error {
	return s.client.Close()
}

// normalizeFile is the single point where the SDK's file record becomes
// the internal Upload shape.
func normalizeFile(f *genai.File) Upload {
	up := Upload{
		Name:     f.Name,
		URI:      f.URI,
		MIMEType: f.MIMEType,
	}
	switch f.State {
	case genai.FileStateProcessing:
		up.State = UploadProcessing
	case genai.FileStateFailed:
		up.State = UploadFailed
	default:
		up.State = UploadReady
	}
	return up
}

func responseText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	return sb.String()
}
