package consulta

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// EntityType classifies a clinical entity.
type EntityType string

const (
	EntityTherapeuticTechnique EntityType = "therapeutic_technique"
	EntityTargetPopulation     EntityType = "target_population"
	EntityDisorderCondition    EntityType = "disorder_condition"
	EntityDocumentationProcess EntityType = "documentation_process"
	EntityAcademicValidation   EntityType = "academic_validation"
	EntitySocraticExploration  EntityType = "socratic_exploration"
	EntityClinicalConcept      EntityType = "clinical_concept"
)

// Entity is one extracted clinical entity.
type Entity struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
}

// ExtractionResult is the output of one extraction pass.
type ExtractionResult struct {
	Entities          []Entity      `json:"entities"`
	PrimaryEntities   []Entity      `json:"primary_entities,omitempty"`
	SecondaryEntities []Entity      `json:"secondary_entities,omitempty"`
	Confidence        float64       `json:"confidence"`
	ProcessingTime    time.Duration `json:"processing_time"`
}

// knownEntities validates mid-confidence extractions: an entity in the
// 0.7–0.9 band must appear here (directly or via synonym) to survive.
var knownEntities = map[EntityType][]string{
	EntityTherapeuticTechnique: {
		"reestructuración cognitiva", "exposición gradual", "activación conductual",
		"mindfulness", "entrevista motivacional", "desensibilización sistemática",
		"psicoeducación", "prevención de respuesta", "role playing",
	},
	EntityTargetPopulation: {
		"adolescentes", "adultos mayores", "niños", "pareja", "familia",
		"población infantil",
	},
	EntityDisorderCondition: {
		"depresión", "ansiedad", "trastorno de pánico", "tept", "toc",
		"trastorno límite", "fobia social", "insomnio", "duelo",
		"trastorno bipolar", "anorexia", "bulimia",
	},
	EntityDocumentationProcess: {
		"nota clínica", "ficha clínica", "plan de tratamiento", "informe",
		"consentimiento informado", "evolución", "epicrisis",
	},
	EntityAcademicValidation: {
		"evidencia empírica", "metaanálisis", "ensayo controlado", "guía clínica",
		"revisión sistemática", "apa", "dsm-5", "cie-11",
	},
	EntitySocraticExploration: {
		"pregunta socrática", "descubrimiento guiado", "reflexión",
		"exploración de creencias", "cuestionamiento",
	},
	EntityClinicalConcept: {
		"transferencia", "contratransferencia", "alianza terapéutica", "rapport",
		"adherencia", "recaída", "ideación suicida", "autolesión",
	},
}

// entitySynonyms maps common shorthand to a dictionary value.
var entitySynonyms = map[string]string{
	"tcc":                          "reestructuración cognitiva",
	"terapia cognitivo conductual": "reestructuración cognitiva",
	"estrés postraumático":         "tept",
	"obsesivo compulsivo":          "toc",
	"nota soap":                    "nota clínica",
	"rct":                          "ensayo controlado",
	"alianza":                      "alianza terapéutica",
}

// clinicalKeywords is the flattened dictionary, used by the
// clinical-keywords compression strategy.
var clinicalKeywords = flattenKnownEntities()

func flattenKnownEntities() []string {
	var out []string
	for _, values := range knownEntities {
		out = append(out, values...)
	}
	return out
}

// Extraction defaults.
const (
	defaultConfidenceThreshold = 0.7
	dictionaryExemptConfidence = 0.9
	primaryConfidence          = 0.8
	defaultMaxExtractRunes     = 4000
)

var extractEntitiesTool = ToolDefinition{
	Name:        "extraer_entidades",
	Description: "Registra las entidades clínicas detectadas en el texto.",
	Parameters: json.RawMessage(`{"type":"object","properties":{"entities":{"type":"array","items":{"type":"object","properties":{"type":{"type":"string","enum":["therapeutic_technique","target_population","disorder_condition","documentation_process","academic_validation","socratic_exploration","clinical_concept"]},"value":{"type":"string"},"confidence":{"type":"number"}},"required":["type","value","confidence"]}}},"required":["entities"]}`),
}

const extractEntitiesPrompt = `Eres un sistema de extracción de entidades clínicas para supervisión psicoterapéutica.
Detecta en el texto entidades de estos tipos: therapeutic_technique, target_population, disorder_condition, documentation_process, academic_validation, socratic_exploration, clinical_concept.
Llama a la función extraer_entidades con cada entidad detectada y su confianza (0.0-1.0).
No inventes entidades: si el texto no contiene ninguna, llama a la función con una lista vacía.`

// EntityExtractor extracts clinical entities from user text via model
// function-calling, then gates them through confidence thresholds and the
// known-entity dictionaries.
type EntityExtractor struct {
	model     ModelClient
	modelID   string
	threshold float64
	maxRunes  int
	logger    *slog.Logger
	tracer    Tracer
}

// ExtractorOption configures an EntityExtractor.
type ExtractorOption func(*EntityExtractor)

// ExtractorModelID sets the model id for extraction calls.
func ExtractorModelID(id string) ExtractorOption {
	return func(e *EntityExtractor) { e.modelID = id }
}

// ConfidenceThreshold sets the minimum confidence (default 0.7).
func ConfidenceThreshold(t float64) ExtractorOption {
	return func(e *EntityExtractor) { e.threshold = t }
}

// MaxExtractRunes bounds the input slice sent to the model (default 4000).
func MaxExtractRunes(n int) ExtractorOption {
	return func(e *EntityExtractor) { e.maxRunes = n }
}

// ExtractorLogger sets the structured logger.
func ExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *EntityExtractor) { e.logger = l }
}

// ExtractorTracer sets the tracer for extraction spans.
func ExtractorTracer(t Tracer) ExtractorOption {
	return func(e *EntityExtractor) { e.tracer = t }
}

// NewEntityExtractor creates an extractor backed by model.
func NewEntityExtractor(model ModelClient, opts ...ExtractorOption) *EntityExtractor {
	e := &EntityExtractor{
		model:     model,
		threshold: defaultConfidenceThreshold,
		maxRunes:  defaultMaxExtractRunes,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Extract runs one extraction pass over text. sessionContext, when non-empty,
// is appended as background for disambiguation. A model failure returns an
// empty result and the error; callers treat extraction as best-effort.
func (e *EntityExtractor) Extract(ctx context.Context, text, sessionContext string) (ExtractionResult, error) {
	start := time.Now()
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "entities.extract")
		defer span.End()
	}

	input := truncateRunes(text, e.maxRunes)
	msgs := []ChatMessage{UserMessage(input)}
	if sessionContext != "" {
		msgs = append([]ChatMessage{SystemMessage("Contexto de la sesión: " + sessionContext)}, msgs...)
	}

	resp, err := e.model.Generate(ctx, GenerateRequest{
		Model:             e.modelID,
		SystemInstruction: extractEntitiesPrompt,
		Messages:          msgs,
		Tools:             []ToolDefinition{extractEntitiesTool},
		Temperature:       0.0,
	})
	if err != nil {
		e.logger.Warn("entity extraction failed", "error", err)
		return ExtractionResult{ProcessingTime: time.Since(start)}, err
	}

	raw := parseExtractedEntities(resp)
	result := e.gate(raw)
	result.ProcessingTime = time.Since(start)
	e.logger.Debug("entities extracted",
		"raw", len(raw), "kept", len(result.Entities),
		"duration", result.ProcessingTime)
	return result, nil
}

// gate applies confidence thresholds, dictionary validation, deduplication,
// and primary/secondary split.
func (e *EntityExtractor) gate(raw []Entity) ExtractionResult {
	// Dedupe by (type, lowercase(value)), keeping the highest confidence.
	best := make(map[string]Entity)
	var order []string
	for _, ent := range raw {
		ent.Value = strings.TrimSpace(ent.Value)
		if ent.Value == "" {
			continue
		}
		key := string(ent.Type) + "\x00" + strings.ToLower(ent.Value)
		if prev, ok := best[key]; !ok {
			best[key] = ent
			order = append(order, key)
		} else if ent.Confidence > prev.Confidence {
			best[key] = ent
		}
	}

	var result ExtractionResult
	for _, key := range order {
		ent := best[key]
		if ent.Confidence < e.threshold {
			continue
		}
		if ent.Confidence < dictionaryExemptConfidence && !inDictionary(ent) {
			continue
		}
		result.Entities = append(result.Entities, ent)
		if ent.Confidence >= primaryConfidence {
			result.PrimaryEntities = append(result.PrimaryEntities, ent)
		} else {
			result.SecondaryEntities = append(result.SecondaryEntities, ent)
		}
		if ent.Confidence > result.Confidence {
			result.Confidence = ent.Confidence
		}
	}
	return result
}

// inDictionary reports whether the entity value (or a synonym of it) is a
// known entity of its type.
func inDictionary(ent Entity) bool {
	value := strings.ToLower(strings.TrimSpace(ent.Value))
	if canonical, ok := entitySynonyms[value]; ok {
		value = canonical
	}
	for _, known := range knownEntities[ent.Type] {
		if known == value {
			return true
		}
	}
	return false
}

// parseExtractedEntities pulls entities from the function call when present,
// falling back to JSON in the text content (with code fences stripped).
func parseExtractedEntities(resp GenerateResponse) []Entity {
	var payload struct {
		Entities []Entity `json:"entities"`
	}
	for _, fc := range resp.FunctionCalls {
		if fc.Name == extractEntitiesTool.Name {
			if err := json.Unmarshal(fc.Args, &payload); err == nil {
				return payload.Entities
			}
		}
	}

	trimmed := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end < start {
		return nil
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return nil
	}
	return payload.Entities
}

// truncateRunes bounds text to n runes.
func truncateRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
