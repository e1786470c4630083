package consulta

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func extractResponse(entities ...Entity) GenerateResponse {
	args, _ := json.Marshal(map[string]any{"entities": entities})
	return GenerateResponse{
		FunctionCalls: []FunctionCall{{Name: "extraer_entidades", Args: args}},
	}
}

func TestExtractGatesByThreshold(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{resp: extractResponse(
			Entity{Type: EntityDisorderCondition, Value: "ansiedad", Confidence: 0.95},
			Entity{Type: EntityDisorderCondition, Value: "depresión", Confidence: 0.5},
		)},
	}}
	e := NewEntityExtractor(model)
	res, err := e.Extract(context.Background(), "paciente con ansiedad", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0].Value != "ansiedad" {
		t.Fatalf("got %+v", res.Entities)
	}
	if res.Confidence != 0.95 {
		t.Errorf("confidence = %v", res.Confidence)
	}
}

func TestExtractMidBandRequiresDictionary(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{resp: extractResponse(
			// In dictionary: survives the 0.7-0.9 band.
			Entity{Type: EntityTherapeuticTechnique, Value: "Mindfulness", Confidence: 0.8},
			// Not in dictionary: dropped despite clearing the threshold.
			Entity{Type: EntityTherapeuticTechnique, Value: "técnica inventada", Confidence: 0.8},
			// Above the exempt band: kept without dictionary backing.
			Entity{Type: EntityClinicalConcept, Value: "concepto novedoso", Confidence: 0.93},
		)},
	}}
	e := NewEntityExtractor(model)
	res, err := e.Extract(context.Background(), "usamos mindfulness", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("got %+v", res.Entities)
	}
	values := map[string]bool{}
	for _, ent := range res.Entities {
		values[ent.Value] = true
	}
	if !values["Mindfulness"] || !values["concepto novedoso"] {
		t.Errorf("kept %v", values)
	}
}

func TestExtractSynonymResolution(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{resp: extractResponse(
			Entity{Type: EntityTherapeuticTechnique, Value: "TCC", Confidence: 0.8},
		)},
	}}
	e := NewEntityExtractor(model)
	res, err := e.Extract(context.Background(), "aplicamos tcc", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("synonym not resolved: %+v", res.Entities)
	}
}

func TestExtractDedupesKeepingHighest(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{resp: extractResponse(
			Entity{Type: EntityDisorderCondition, Value: "Ansiedad", Confidence: 0.75},
			Entity{Type: EntityDisorderCondition, Value: "ansiedad", Confidence: 0.92},
		)},
	}}
	e := NewEntityExtractor(model)
	res, err := e.Extract(context.Background(), "ansiedad otra vez", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("got %+v", res.Entities)
	}
	if res.Entities[0].Confidence != 0.92 {
		t.Errorf("kept confidence %v, want 0.92", res.Entities[0].Confidence)
	}
}

func TestExtractPrimarySecondarySplit(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{resp: extractResponse(
			Entity{Type: EntityDocumentationProcess, Value: "nota clínica", Confidence: 0.95},
			Entity{Type: EntityDisorderCondition, Value: "insomnio", Confidence: 0.75},
		)},
	}}
	e := NewEntityExtractor(model)
	res, err := e.Extract(context.Background(), "nota clínica para insomnio", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.PrimaryEntities) != 1 || res.PrimaryEntities[0].Value != "nota clínica" {
		t.Errorf("primary = %+v", res.PrimaryEntities)
	}
	if len(res.SecondaryEntities) != 1 || res.SecondaryEntities[0].Value != "insomnio" {
		t.Errorf("secondary = %+v", res.SecondaryEntities)
	}
}

func TestExtractModelFailure(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{err: errors.New("timeout")},
	}}
	e := NewEntityExtractor(model)
	res, err := e.Extract(context.Background(), "texto", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(res.Entities) != 0 {
		t.Errorf("got entities on failure: %+v", res.Entities)
	}
}

func TestExtractSendsTruncatedInputAndContext(t *testing.T) {
	model := &stubModel{results: []stubResult{
		{resp: extractResponse()},
	}}
	e := NewEntityExtractor(model, ExtractorModelID("aux"), MaxExtractRunes(10))
	_, err := e.Extract(context.Background(), "una consulta bastante larga", "fase de cierre")
	if err != nil {
		t.Fatal(err)
	}
	req := model.lastRequest()
	if req.Model != "aux" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if got := req.Messages[1].Content; len([]rune(got)) != 10 {
		t.Errorf("input not truncated: %q", got)
	}
}

func TestParseExtractedEntitiesFencedJSON(t *testing.T) {
	resp := GenerateResponse{Content: "```json\n{\"entities\":[{\"type\":\"disorder_condition\",\"value\":\"toc\",\"confidence\":0.9}]}\n```"}
	got := parseExtractedEntities(resp)
	if len(got) != 1 || got[0].Value != "toc" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseExtractedEntitiesGarbage(t *testing.T) {
	if got := parseExtractedEntities(GenerateResponse{Content: "sin entidades"}); got != nil {
		t.Fatalf("got %+v", got)
	}
}
