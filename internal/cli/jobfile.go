package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// JobFile is the YAML description of a job accepted by "promptflow submit".
//
//	name: Weekly digest
//	systemPrompt: You are a concise analyst.
//	userPrompts:
//	  - "Extract the key facts from: {input}"
//	  - "Write a summary of: {{previous_output}}"
//	settings:
//	  provider: openai
//	  model: gpt-4o-mini
//	  batchProcessing: true
//	  concurrentRequests: 4
//	inputs:
//	  - first document
//	  - second document
type JobFile struct {
	TemplateID   string          `yaml:"templateId"`
	Name         string          `yaml:"name"`
	SystemPrompt string          `yaml:"systemPrompt"`
	UserPrompts  []string        `yaml:"userPrompts"`
	Settings     models.Settings `yaml:"settings"`
	Inputs       []string        `yaml:"inputs"`
}

// ReadJobFile reads a job file from path, or from stdin when path is "-".
func ReadJobFile(path string, stdin io.Reader) (*JobFile, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	return ParseJobFile(data)
}

// ParseJobFile decodes a YAML job file. Unknown keys are rejected.
func ParseJobFile(data []byte) (*JobFile, error) {
	var jf JobFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&jf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("job file is empty")
		}
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	if len(jf.UserPrompts) == 0 {
		return nil, errors.New("job file needs at least one entry in userPrompts")
	}
	if len(jf.Inputs) == 0 {
		return nil, errors.New("job file needs at least one entry in inputs")
	}
	return &jf, nil
}

// Request converts the file to an API submission.
func (jf *JobFile) Request() (models.CreateJobRequest, error) {
	req := models.CreateJobRequest{
		Config: &models.JobConfig{
			SystemPrompt: jf.SystemPrompt,
			UserPrompts:  make([]models.UserPrompt, len(jf.UserPrompts)),
			Settings:     jf.Settings,
		},
		InputData: jf.Inputs,
	}
	for i, p := range jf.UserPrompts {
		req.Config.UserPrompts[i] = models.UserPrompt{Content: p}
	}
	if jf.TemplateID != "" {
		id, err := uuid.Parse(jf.TemplateID)
		if err != nil {
			return req, fmt.Errorf("templateId must be a UUID: %w", err)
		}
		req.TemplateID = &id
	}
	if jf.Name != "" {
		name := jf.Name
		req.Name = &name
	}
	return req, nil
}
