package copilot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lmittmann/tint"
)

const (
	imagePromptMaxLength = 1000
	imageMaxResponseSize = 20 << 20
)

var (
	// ErrImagePromptBlocked indicates the prompt contained a blocked term.
	ErrImagePromptBlocked = errors.New("prompt contains blocked content")

	// ErrImagePromptTooLong indicates the prompt exceeded the length limit.
	ErrImagePromptTooLong = errors.New("prompt is too long")

	// ErrImageNotPNG indicates the backend returned something other than
	// a PNG image.
	ErrImageNotPNG = errors.New("response is not a valid PNG image")

	blockedImageTerms = []string{
		"nude",
		"explicit",
		"violence",
		"porn",
		"sexual",
		"gore",
	}

	pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
)

// ImageGenerationLog records each image generation attempt.
type ImageGenerationLog struct {
	ModelUintID
	ModelUnixTime

	UserID    string `json:"user_id" gorm:"index"`
	UserName  string `json:"user_name"`
	ChannelID string `json:"channel_id"`
	Prompt    string `json:"prompt"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`

	GenerationTimeMs int64 `json:"generation_time_ms"`
	ImageSizeBytes   int   `json:"image_size_bytes"`
}

func (ImageGenerationLog) TableName() string {
	return "image_generation_logs"
}

// validateImagePrompt checks a prompt against the length limit and the
// blocked term list. The check is a plain case-insensitive substring
// match.
func validateImagePrompt(prompt string) error {
	if utf8.RuneCountInString(prompt) > imagePromptMaxLength {
		return ErrImagePromptTooLong
	}
	lowered := strings.ToLower(prompt)
	for _, term := range blockedImageTerms {
		if strings.Contains(lowered, term) {
			return ErrImagePromptBlocked
		}
	}
	return nil
}

// ImageGenerator generates images from text prompts via the Clipdrop
// API, and logs every attempt to the database.
type ImageGenerator struct {
	config     *ClipdropConfig
	httpClient *http.Client
	writeDB    DBI
	logger     *slog.Logger
}

func NewImageGenerator(
	cfg *ClipdropConfig,
	httpClient *http.Client,
	writeDB DBI,
	logger *slog.Logger,
) *ImageGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ImageGenerator{
		config:     cfg,
		httpClient: httpClient,
		writeDB:    writeDB,
		logger:     logger.With(loggerNameKey, "imagegen"),
	}
}

// Enabled reports whether image generation is configured.
func (g *ImageGenerator) Enabled() bool {
	return g.config != nil && g.config.APIKey != ""
}

// Generate submits the prompt to Clipdrop and returns the PNG bytes.
// Every attempt, including validation failures, is written to
// image_generation_logs.
func (g *ImageGenerator) Generate(
	ctx context.Context,
	userID string,
	userName string,
	channelID string,
	prompt string,
) ([]byte, error) {
	started := time.Now()
	entry := &ImageGenerationLog{
		UserID:    userID,
		UserName:  userName,
		ChannelID: channelID,
		Prompt:    prompt,
	}

	image, err := g.generate(ctx, prompt)

	entry.GenerationTimeMs = time.Since(started).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Success = true
		entry.ImageSizeBytes = len(image)
	}
	if _, logErr := g.writeDB.Create(ctx, entry); logErr != nil {
		g.logger.ErrorContext(
			ctx,
			"error writing image generation log",
			tint.Err(logErr),
			"user_id", userID,
		)
	}

	return image, err
}

func (g *ImageGenerator) generate(ctx context.Context, prompt string) ([]byte, error) {
	if err := validateImagePrompt(prompt); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("prompt", prompt); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		g.config.URL,
		&body,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", g.config.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf(
			"image API returned %d: %s",
			resp.StatusCode,
			strings.TrimSpace(string(data)),
		)
	}

	image, err := io.ReadAll(io.LimitReader(resp.Body, imageMaxResponseSize))
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(image, pngSignature) {
		return nil, ErrImageNotPNG
	}
	return image, nil
}
