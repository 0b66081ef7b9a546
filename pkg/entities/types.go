package entities

// Protocol describes a transport or format contract that sources,
// destinations, importers, exporters and processors bind to.
type Protocol struct {
	Record `yaml:",inline"`
}

func (p *Protocol) EntityType() Type       { return TypeProtocol }
func (p *Protocol) CompositeKey() string   { return JoinKey(p.Version, p.Name) }
func (p *Protocol) References() []FieldRef { return nil }

func (p *Protocol) Validate() error {
	return requireFields(TypeProtocol, "version", p.Version, "name", p.Name)
}

// Source is an addressable origin of data. Identity is Address plus Version,
// not Name.
type Source struct {
	Record     `yaml:",inline"`
	Address    string `json:"address" yaml:"address"`
	ProtocolID string `json:"protocolId,omitempty" yaml:"protocolId,omitempty"`
}

func (s *Source) EntityType() Type     { return TypeSource }
func (s *Source) CompositeKey() string { return JoinKey(s.Address, s.Version) }

func (s *Source) References() []FieldRef {
	return []FieldRef{{Field: FieldProtocolID, Type: TypeProtocol, Value: s.ProtocolID}}
}

func (s *Source) Validate() error {
	return requireFields(TypeSource, "address", s.Address, "version", s.Version)
}

// Destination is an addressable target for data. Identity is Address plus
// Version, not Name.
type Destination struct {
	Record     `yaml:",inline"`
	Address    string `json:"address" yaml:"address"`
	ProtocolID string `json:"protocolId,omitempty" yaml:"protocolId,omitempty"`
}

func (d *Destination) EntityType() Type     { return TypeDestination }
func (d *Destination) CompositeKey() string { return JoinKey(d.Address, d.Version) }

func (d *Destination) References() []FieldRef {
	return []FieldRef{{Field: FieldProtocolID, Type: TypeProtocol, Value: d.ProtocolID}}
}

func (d *Destination) Validate() error {
	return requireFields(TypeDestination, "address", d.Address, "version", d.Version)
}

// Importer reads from a source over a protocol.
type Importer struct {
	Record     `yaml:",inline"`
	ProtocolID string `json:"protocolId,omitempty" yaml:"protocolId,omitempty"`
	SourceID   string `json:"sourceId,omitempty" yaml:"sourceId,omitempty"`
}

func (i *Importer) EntityType() Type     { return TypeImporter }
func (i *Importer) CompositeKey() string { return JoinKey(i.Version, i.Name) }

func (i *Importer) References() []FieldRef {
	return []FieldRef{
		{Field: FieldProtocolID, Type: TypeProtocol, Value: i.ProtocolID},
		{Field: FieldSourceID, Type: TypeSource, Value: i.SourceID},
	}
}

func (i *Importer) Validate() error {
	return requireFields(TypeImporter, "version", i.Version, "name", i.Name)
}

// Exporter writes to a destination over a protocol.
type Exporter struct {
	Record        `yaml:",inline"`
	ProtocolID    string `json:"protocolId,omitempty" yaml:"protocolId,omitempty"`
	DestinationID string `json:"destinationId,omitempty" yaml:"destinationId,omitempty"`
}

func (e *Exporter) EntityType() Type     { return TypeExporter }
func (e *Exporter) CompositeKey() string { return JoinKey(e.Version, e.Name) }

func (e *Exporter) References() []FieldRef {
	return []FieldRef{
		{Field: FieldProtocolID, Type: TypeProtocol, Value: e.ProtocolID},
		{Field: FieldDestinationID, Type: TypeDestination, Value: e.DestinationID},
	}
}

func (e *Exporter) Validate() error {
	return requireFields(TypeExporter, "version", e.Version, "name", e.Name)
}

// Processor transforms records between an input and an output schema. The
// schema strings are opaque to the registry.
type Processor struct {
	Record       `yaml:",inline"`
	ProtocolID   string `json:"protocolId,omitempty" yaml:"protocolId,omitempty"`
	InputSchema  string `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	OutputSchema string `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
}

func (p *Processor) EntityType() Type     { return TypeProcessor }
func (p *Processor) CompositeKey() string { return JoinKey(p.Version, p.Name) }

func (p *Processor) References() []FieldRef {
	return []FieldRef{{Field: FieldProtocolID, Type: TypeProtocol, Value: p.ProtocolID}}
}

func (p *Processor) Validate() error {
	return requireFields(TypeProcessor, "version", p.Version, "name", p.Name)
}

// ProcessingChain groups processing steps into an ordered pipeline. Ordering
// lives on the assignments, not the chain.
type ProcessingChain struct {
	Record `yaml:",inline"`
}

func (c *ProcessingChain) EntityType() Type       { return TypeProcessingChain }
func (c *ProcessingChain) CompositeKey() string   { return JoinKey(c.Version, c.Name) }
func (c *ProcessingChain) References() []FieldRef { return nil }

func (c *ProcessingChain) Validate() error {
	return requireFields(TypeProcessingChain, "version", c.Version, "name", c.Name)
}

// Step wraps a processor for use inside a chain.
type Step struct {
	Record      `yaml:",inline"`
	ProcessorID string `json:"processorId,omitempty" yaml:"processorId,omitempty"`
	Position    int    `json:"position" yaml:"position"`
}

func (s *Step) EntityType() Type     { return TypeStep }
func (s *Step) CompositeKey() string { return JoinKey(s.Version, s.Name) }

func (s *Step) References() []FieldRef {
	return []FieldRef{{Field: FieldProcessorID, Type: TypeProcessor, Value: s.ProcessorID}}
}

func (s *Step) Validate() error {
	return requireFields(TypeStep, "version", s.Version, "name", s.Name)
}

// Assignment binds a step into a chain at a sequence position. Identity is
// the (chain, step) pair.
type Assignment struct {
	Record   `yaml:",inline"`
	ChainID  string `json:"chainId" yaml:"chainId"`
	StepID   string `json:"stepId" yaml:"stepId"`
	Sequence int    `json:"sequence" yaml:"sequence"`
}

func (a *Assignment) EntityType() Type     { return TypeAssignment }
func (a *Assignment) CompositeKey() string { return JoinKey(a.ChainID, a.StepID) }

func (a *Assignment) References() []FieldRef {
	return []FieldRef{
		{Field: FieldChainID, Type: TypeProcessingChain, Value: a.ChainID},
		{Field: FieldStepID, Type: TypeStep, Value: a.StepID},
	}
}

func (a *Assignment) Validate() error {
	return requireFields(TypeAssignment, "chainId", a.ChainID, "stepId", a.StepID)
}

// Flow wires an importer through a processing chain to an exporter.
type Flow struct {
	Record     `yaml:",inline"`
	ImporterID string `json:"importerId,omitempty" yaml:"importerId,omitempty"`
	ChainID    string `json:"chainId,omitempty" yaml:"chainId,omitempty"`
	ExporterID string `json:"exporterId,omitempty" yaml:"exporterId,omitempty"`
}

func (f *Flow) EntityType() Type     { return TypeFlow }
func (f *Flow) CompositeKey() string { return JoinKey(f.Version, f.Name) }

func (f *Flow) References() []FieldRef {
	return []FieldRef{
		{Field: FieldImporterID, Type: TypeImporter, Value: f.ImporterID},
		{Field: FieldChainID, Type: TypeProcessingChain, Value: f.ChainID},
		{Field: FieldExporterID, Type: TypeExporter, Value: f.ExporterID},
	}
}

func (f *Flow) Validate() error {
	return requireFields(TypeFlow, "version", f.Version, "name", f.Name)
}

// ScheduledTask runs an arbitrary named task on a cron schedule. The task
// payload is opaque to the registry.
type ScheduledTask struct {
	Record   `yaml:",inline"`
	Schedule string `json:"schedule" yaml:"schedule"`
	Task     string `json:"task,omitempty" yaml:"task,omitempty"`
}

func (t *ScheduledTask) EntityType() Type       { return TypeScheduledTask }
func (t *ScheduledTask) CompositeKey() string   { return JoinKey(t.Version, t.Name) }
func (t *ScheduledTask) References() []FieldRef { return nil }

func (t *ScheduledTask) Validate() error {
	return requireFields(TypeScheduledTask, "version", t.Version, "name", t.Name)
}

// ScheduledFlow runs a flow on a cron schedule.
type ScheduledFlow struct {
	Record   `yaml:",inline"`
	FlowID   string `json:"flowId,omitempty" yaml:"flowId,omitempty"`
	Schedule string `json:"schedule" yaml:"schedule"`
}

func (f *ScheduledFlow) EntityType() Type     { return TypeScheduledFlow }
func (f *ScheduledFlow) CompositeKey() string { return JoinKey(f.Version, f.Name) }

func (f *ScheduledFlow) References() []FieldRef {
	return []FieldRef{{Field: FieldFlowID, Type: TypeFlow, Value: f.FlowID}}
}

func (f *ScheduledFlow) Validate() error {
	return requireFields(TypeScheduledFlow, "version", f.Version, "name", f.Name)
}
