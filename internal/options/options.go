// Package options normalizes the JSON options descriptor attached to a
// processing request into the rich engine configuration.
//
// Two descriptor shapes exist on the wire. The rich form is already in
// pipeline-configuration shape and passes through unchanged; it is
// recognised by the presence of a rich-form key (format_options,
// accelerator_options) at the top level. The simple form is a flat mapping
// drawn from a fixed key vocabulary; it is recognised by the presence of at
// least one vocabulary key and the absence of every rich-form key. The two
// detection sets are disjoint, so a descriptor mixing both is treated as
// rich and its simple keys are ignored.
//
// Mapping is availability-first: unknown keys and malformed values produce
// warnings, never failures, and in permissive mode any mapping error falls
// back to the default configuration. Strict mode turns that fallback into an
// error for operators who prefer failing loudly over silently ignoring a
// misconfigured request.
package options

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/engine"
)

// Form classifies a descriptor.
type Form int

const (
	// FormDefault: no descriptor, or an empty one.
	FormDefault Form = iota
	// FormSimple: flat vocabulary keys only.
	FormSimple
	// FormRich: pipeline-configuration shape (or anything not simple).
	FormRich
)

func (f Form) String() string {
	switch f {
	case FormSimple:
		return "simple"
	case FormRich:
		return "rich"
	default:
		return "default"
	}
}

var richKeys = []string{"format_options", "accelerator_options"}

// simpleKeys is the full simple-form vocabulary.
var simpleKeys = []string{
	// core
	"create_legacy_output", "document_timeout", "enable_remote_services",
	"allow_external_plugins", "artifacts_path", "force_backend_text",
	"generate_parsed_pages",
	// images
	"generate_picture_images", "generate_page_images",
	"generate_table_images", "images_scale",
	// vision
	"do_picture_description", "vlm_model", "custom_prompt", "vlm_prompt",
	"vlm_batch_size", "vlm_picture_area_threshold", "vlm_generation_config",
	// enrichment
	"do_picture_classification", "do_code_enrichment",
	"do_formula_enrichment", "do_table_structure",
	// ocr
	"do_ocr", "ocr_languages", "force_full_page_ocr",
	"ocr_bitmap_area_threshold", "ocr_use_gpu", "ocr_confidence_threshold",
	"ocr_model_storage_directory", "ocr_recog_network", "ocr_download_enabled",
	// tables
	"table_do_cell_matching", "table_mode",
	// compute
	"accelerator_device", "num_threads", "cuda_use_flash_attention2",
	// formats
	"input_formats",
}

var simpleKeySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(simpleKeys))
	for _, k := range simpleKeys {
		m[k] = struct{}{}
	}
	return m
}()

// Classify applies the detection rule to a decoded descriptor.
func Classify(desc map[string]any) Form {
	if len(desc) == 0 {
		return FormDefault
	}
	for _, k := range richKeys {
		if _, ok := desc[k]; ok {
			return FormRich
		}
	}
	for k := range desc {
		if _, ok := simpleKeySet[k]; ok {
			return FormSimple
		}
	}
	return FormRich
}

// Normalizer maps options descriptors onto engine configurations.
type Normalizer struct {
	strict bool
	log    *zap.Logger
}

// New constructs a Normalizer. With strict enabled, mapping failures are
// returned as errors instead of being swallowed into the default config.
func New(log *zap.Logger, strict bool) *Normalizer {
	return &Normalizer{strict: strict, log: log}
}

// Normalize turns a raw descriptor into an engine configuration. A nil,
// empty or JSON-null descriptor yields the default configuration without a
// warning.
func (n *Normalizer) Normalize(raw json.RawMessage) (*engine.Config, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return engine.DefaultConfig(), nil
	}

	var desc map[string]any
	if err := json.Unmarshal(raw, &desc); err != nil {
		return n.fallback(fmt.Errorf("descriptor is not a JSON object: %w", err))
	}

	switch Classify(desc) {
	case FormDefault:
		return engine.DefaultConfig(), nil
	case FormRich:
		var cfg engine.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return n.fallback(fmt.Errorf("rich descriptor rejected: %w", err))
		}
		return &cfg, nil
	default:
		cfg, warnings := mapSimple(desc)
		for _, w := range warnings {
			n.log.Warn("options descriptor", zap.String("warning", w))
		}
		return cfg, nil
	}
}

// fallback applies the configured failure policy.
func (n *Normalizer) fallback(err error) (*engine.Config, error) {
	if n.strict {
		return nil, err
	}
	n.log.Warn("falling back to default engine configuration", zap.Error(err))
	return engine.DefaultConfig(), nil
}

// mapSimple maps the flat vocabulary onto the rich configuration. Malformed
// values and unknown keys are skipped with a warning.
func mapSimple(desc map[string]any) (*engine.Config, []string) {
	var warnings []string
	warnf := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	po := engine.DefaultPipeline()
	acc := engine.AcceleratorOptions{Device: "auto"}
	cfg := &engine.Config{}

	setBool := func(key string, dst *bool) {
		if v, ok := desc[key]; ok {
			if b, err := asBool(v); err != nil {
				warnf("key %q: %v", key, err)
			} else {
				*dst = b
			}
		}
	}
	setBoolPtr := func(key string, dst **bool) {
		if v, ok := desc[key]; ok {
			if b, err := asBool(v); err != nil {
				warnf("key %q: %v", key, err)
			} else {
				*dst = &b
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := desc[key]; ok {
			if f, err := asFloat(v); err != nil {
				warnf("key %q: %v", key, err)
			} else {
				*dst = f
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := desc[key]; ok {
			if f, err := asFloat(v); err != nil {
				warnf("key %q: %v", key, err)
			} else {
				*dst = int(f)
			}
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := desc[key]; ok {
			if s, ok := v.(string); ok {
				*dst = s
			} else {
				warnf("key %q: expected string, got %T", key, v)
			}
		}
	}

	// core
	setBool("create_legacy_output", &po.CreateLegacyOutput)
	setFloat("document_timeout", &po.DocumentTimeout)
	setBool("enable_remote_services", &po.EnableRemoteServices)
	setBool("allow_external_plugins", &po.AllowExternalPlugins)
	setString("artifacts_path", &po.ArtifactsPath)
	setBool("force_backend_text", &po.ForceBackendText)
	setBool("generate_parsed_pages", &po.GenerateParsedPages)

	// images
	setBool("generate_picture_images", &po.GeneratePictureImages)
	setBool("generate_page_images", &po.GeneratePageImages)
	setBool("generate_table_images", &po.GenerateTableImages)
	setFloat("images_scale", &po.ImagesScale)

	// vision
	setBool("do_picture_description", &po.DoPictureDescription)
	if po.DoPictureDescription {
		// Picture images are a prerequisite of description.
		po.GeneratePictureImages = true
		pd := visionOptions(desc, warnf)
		setInt("vlm_batch_size", &pd.BatchSize)
		setFloat("vlm_picture_area_threshold", &pd.PictureAreaThreshold)
		if v, ok := desc["vlm_generation_config"]; ok {
			if m, ok := v.(map[string]any); ok {
				pd.GenerationConfig = m
			} else {
				warnf("key %q: expected object, got %T", "vlm_generation_config", v)
			}
		}
		po.PictureDescription = pd
	}

	// enrichment
	setBool("do_picture_classification", &po.DoPictureClassification)
	setBool("do_code_enrichment", &po.DoCodeEnrichment)
	setBool("do_formula_enrichment", &po.DoFormulaEnrichment)
	setBool("do_table_structure", &po.DoTableStructure)

	// ocr
	setBool("do_ocr", &po.DoOCR)
	if hasAnyKey(desc, "ocr_languages", "force_full_page_ocr",
		"ocr_bitmap_area_threshold", "ocr_use_gpu", "ocr_confidence_threshold",
		"ocr_model_storage_directory", "ocr_recog_network", "ocr_download_enabled") {
		ocr := &engine.OCROptions{}
		if v, ok := desc["ocr_languages"]; ok {
			langs, err := asStringList(v)
			if err != nil {
				warnf("key %q: %v", "ocr_languages", err)
			} else {
				ocr.Languages = langs
			}
		}
		setBool("force_full_page_ocr", &ocr.ForceFullPageOCR)
		setFloat("ocr_bitmap_area_threshold", &ocr.BitmapAreaThreshold)
		setBoolPtr("ocr_use_gpu", &ocr.UseGPU)
		setFloat("ocr_confidence_threshold", &ocr.ConfidenceThreshold)
		setString("ocr_model_storage_directory", &ocr.ModelStorageDirectory)
		setString("ocr_recog_network", &ocr.RecogNetwork)
		setBoolPtr("ocr_download_enabled", &ocr.DownloadEnabled)
		po.OCR = ocr
	}

	// tables
	if hasAnyKey(desc, "table_do_cell_matching", "table_mode") {
		tbl := &engine.TableOptions{}
		setBoolPtr("table_do_cell_matching", &tbl.DoCellMatching)
		setString("table_mode", &tbl.Mode)
		po.Table = tbl
	}

	// compute
	if v, ok := desc["accelerator_device"]; ok {
		if s, ok := v.(string); ok {
			switch strings.ToLower(s) {
			case "auto", "cpu", "cuda", "mps":
				acc.Device = strings.ToLower(s)
			default:
				warnf("key %q: unknown device %q, keeping %q", "accelerator_device", s, acc.Device)
			}
		} else {
			warnf("key %q: expected string, got %T", "accelerator_device", v)
		}
	}
	setInt("num_threads", &acc.NumThreads)
	setBool("cuda_use_flash_attention2", &acc.CUDAUseFlashAttention2)

	// formats
	if v, ok := desc["input_formats"]; ok {
		raw, err := asStringList(v)
		if err != nil {
			warnf("key %q: %v", "input_formats", err)
		} else {
			for _, f := range raw {
				switch f {
				case engine.FormatPDF, engine.FormatDocx, engine.FormatImage,
					engine.FormatHTML, engine.FormatPptx, engine.FormatAudio:
					cfg.InputFormats = append(cfg.InputFormats, f)
				default:
					warnf("key %q: unsupported format %q skipped", "input_formats", f)
				}
			}
		}
	}

	// Unknown keys are ignored, with a warning, in a stable order.
	var unknown []string
	for k := range desc {
		if _, ok := simpleKeySet[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		warnf("unknown key %q ignored", k)
	}

	cfg.FormatOptions = map[string]engine.PipelineOptions{engine.FormatPDF: po}
	cfg.Accelerator = &acc
	return cfg, warnings
}

// visionOptions resolves the vlm_model selection, defaulting to Granite for
// unknown values.
func visionOptions(desc map[string]any, warnf func(string, ...any)) *engine.PictureDescriptionOptions {
	pd := &engine.PictureDescriptionOptions{
		Model:  engine.GraniteVisionModel,
		Prompt: engine.GraniteVisionPrompt,
	}
	if v, ok := desc["vlm_model"]; ok {
		s, _ := v.(string)
		switch strings.ToLower(s) {
		case "granite":
			// default
		case "smolvlm", "smoldocling":
			pd.Model = engine.SmolVLMModel
			pd.Prompt = engine.SmolVLMPrompt
		default:
			warnf("key %q: unknown model %q, defaulting to granite", "vlm_model", s)
		}
	}
	// custom_prompt replaces the model's default prompt; vlm_prompt is an
	// accepted alias.
	for _, key := range []string{"custom_prompt", "vlm_prompt"} {
		if v, ok := desc[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				pd.Prompt = s
				break
			}
			warnf("key %q: expected non-empty string, got %T", key, v)
		}
	}
	return pd
}

func hasAnyKey(desc map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := desc[k]; ok {
			return true
		}
	}
	return false
}

// ── value coercion ────────────────────────────────────────────────────────
// JSON scalars arrive as bool, float64 or string; numeric strings are
// coerced, everything else is a warning for the caller.

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("malformed bool %q", t)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed number %q", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asStringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", v)
	}
}
