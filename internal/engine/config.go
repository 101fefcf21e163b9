// Package engine defines the contract between the dispatch layer and the
// document-conversion engine: the rich pipeline configuration, the result
// record, and the Converter interface a deployment plugs its engine into.
package engine

// Canonical vision-model identifiers selectable through the options surface.
const (
	GraniteVisionModel = "ibm-granite/granite-vision-3.1-2b-preview"
	SmolVLMModel       = "HuggingFaceTB/SmolVLM-256M-Instruct"

	GraniteVisionPrompt = "What is shown in this image?"
	SmolVLMPrompt       = "Describe this image in a few sentences."
)

// Supported input formats.
const (
	FormatPDF   = "pdf"
	FormatDocx  = "docx"
	FormatImage = "image"
	FormatHTML  = "html"
	FormatPptx  = "pptx"
	FormatAudio = "audio"
)

// Config is the rich engine configuration. Its JSON form is the rich shape
// of the options descriptor: the presence of format_options or
// accelerator_options at the top level marks a descriptor as rich.
type Config struct {
	FormatOptions map[string]PipelineOptions `json:"format_options,omitempty"`
	Accelerator   *AcceleratorOptions        `json:"accelerator_options,omitempty"`
	InputFormats  []string                   `json:"input_formats,omitempty"`
}

// PipelineOptions configures the conversion pipeline of one input format.
type PipelineOptions struct {
	CreateLegacyOutput   bool    `json:"create_legacy_output,omitempty"`
	DocumentTimeout      float64 `json:"document_timeout,omitempty"` // seconds
	EnableRemoteServices bool    `json:"enable_remote_services,omitempty"`
	AllowExternalPlugins bool    `json:"allow_external_plugins,omitempty"`
	ArtifactsPath        string  `json:"artifacts_path,omitempty"`
	ForceBackendText     bool    `json:"force_backend_text,omitempty"`
	GenerateParsedPages  bool    `json:"generate_parsed_pages,omitempty"`

	GeneratePictureImages bool    `json:"generate_picture_images,omitempty"`
	GeneratePageImages    bool    `json:"generate_page_images,omitempty"`
	GenerateTableImages   bool    `json:"generate_table_images,omitempty"`
	ImagesScale           float64 `json:"images_scale,omitempty"`

	DoPictureDescription bool                       `json:"do_picture_description,omitempty"`
	PictureDescription   *PictureDescriptionOptions `json:"picture_description_options,omitempty"`

	DoPictureClassification bool `json:"do_picture_classification,omitempty"`
	DoCodeEnrichment        bool `json:"do_code_enrichment,omitempty"`
	DoFormulaEnrichment     bool `json:"do_formula_enrichment,omitempty"`
	DoTableStructure        bool `json:"do_table_structure"`

	DoOCR bool        `json:"do_ocr"`
	OCR   *OCROptions `json:"ocr_options,omitempty"`

	Table *TableOptions `json:"table_structure_options,omitempty"`
}

// PictureDescriptionOptions selects and tunes the vision model.
type PictureDescriptionOptions struct {
	Model                string         `json:"model,omitempty"`
	Prompt               string         `json:"prompt,omitempty"`
	BatchSize            int            `json:"batch_size,omitempty"`
	PictureAreaThreshold float64        `json:"picture_area_threshold,omitempty"`
	GenerationConfig     map[string]any `json:"generation_config,omitempty"`
}

// OCROptions tunes the OCR stage.
type OCROptions struct {
	Languages             []string `json:"languages,omitempty"`
	ForceFullPageOCR      bool     `json:"force_full_page_ocr,omitempty"`
	BitmapAreaThreshold   float64  `json:"bitmap_area_threshold,omitempty"`
	UseGPU                *bool    `json:"use_gpu,omitempty"`
	ConfidenceThreshold   float64  `json:"confidence_threshold,omitempty"`
	ModelStorageDirectory string   `json:"model_storage_directory,omitempty"`
	RecogNetwork          string   `json:"recog_network,omitempty"`
	DownloadEnabled       *bool    `json:"download_enabled,omitempty"`
}

// TableOptions tunes table-structure recovery.
type TableOptions struct {
	DoCellMatching *bool  `json:"do_cell_matching,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// AcceleratorOptions selects the compute device.
type AcceleratorOptions struct {
	Device                 string `json:"device,omitempty"` // auto|cpu|cuda|mps
	NumThreads             int    `json:"num_threads,omitempty"`
	CUDAUseFlashAttention2 bool   `json:"cuda_use_flash_attention2,omitempty"`
}

// DefaultPipeline returns the pipeline defaults applied when a descriptor is
// absent or empty: OCR and table structure on, images at 2x scale.
func DefaultPipeline() PipelineOptions {
	return PipelineOptions{
		DoOCR:            true,
		DoTableStructure: true,
		ImagesScale:      2.0,
	}
}

// DefaultConfig returns the engine configuration used when no options
// descriptor accompanies a request.
func DefaultConfig() *Config {
	return &Config{
		FormatOptions: map[string]PipelineOptions{
			FormatPDF: DefaultPipeline(),
		},
		Accelerator: &AcceleratorOptions{Device: "auto"},
	}
}

// PDF returns the PDF pipeline options, falling back to defaults when the
// configuration carries none.
func (c *Config) PDF() PipelineOptions {
	if c != nil {
		if po, ok := c.FormatOptions[FormatPDF]; ok {
			return po
		}
	}
	return DefaultPipeline()
}
