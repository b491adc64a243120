package model

// InstanceConfig field keys.
const (
	fieldHost               = "HOST"
	fieldPort               = "PORT"
	fieldEnabled            = "ENABLED"
	fieldTags               = "TAGS"
	fieldDisabledPartitions = "DISABLED_PARTITIONS"
	fieldDomain             = "DOMAIN"
	fieldWeight             = "WEIGHT"
)

// InstanceConfig describes one participant as registered by the admin.
type InstanceConfig struct {
	Record *Record
}

func NewInstanceConfig(instance string) *InstanceConfig {
	c := &InstanceConfig{Record: NewRecord(instance)}
	c.Record.SetBoolField(fieldEnabled, true)
	return c
}

func (c *InstanceConfig) InstanceName() string { return c.Record.ID }

func (c *InstanceConfig) Host() string { return c.Record.GetSimpleField(fieldHost) }

func (c *InstanceConfig) SetHost(h string) { c.Record.SetSimpleField(fieldHost, h) }

func (c *InstanceConfig) Port() int { return c.Record.GetIntField(fieldPort, 0) }

func (c *InstanceConfig) SetPort(p int) { c.Record.SetIntField(fieldPort, p) }

func (c *InstanceConfig) Enabled() bool { return c.Record.GetBoolField(fieldEnabled, true) }

func (c *InstanceConfig) SetEnabled(v bool) { c.Record.SetBoolField(fieldEnabled, v) }

func (c *InstanceConfig) Tags() []string { return c.Record.GetListField(fieldTags) }

func (c *InstanceConfig) AddTag(tag string) {
	for _, t := range c.Tags() {
		if t == tag {
			return
		}
	}
	c.Record.SetListField(fieldTags, append(c.Tags(), tag))
}

func (c *InstanceConfig) HasTag(tag string) bool {
	for _, t := range c.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Domain is the topology path of the instance, e.g. "zone=z1,host=h1".
func (c *InstanceConfig) Domain() string { return c.Record.GetSimpleField(fieldDomain) }

func (c *InstanceConfig) SetDomain(d string) { c.Record.SetSimpleField(fieldDomain, d) }

// Weight is the relative placement capacity of the instance. Defaults to 1.
func (c *InstanceConfig) Weight() int { return c.Record.GetIntField(fieldWeight, 1) }

func (c *InstanceConfig) SetWeight(w int) { c.Record.SetIntField(fieldWeight, w) }

// DisabledPartitions returns per-resource disabled partition lists.
func (c *InstanceConfig) DisabledPartitions(resource string) []string {
	m := c.Record.GetMapField(fieldDisabledPartitions)
	if m == nil {
		return nil
	}
	v, ok := m[resource]
	if !ok || v == "" {
		return nil
	}
	return splitCSV(v)
}

func (c *InstanceConfig) SetDisabledPartitions(resource string, partitions []string) {
	m := c.Record.GetMapField(fieldDisabledPartitions)
	if m == nil {
		m = make(map[string]string)
	}
	m[resource] = joinCSV(partitions)
	c.Record.SetMapField(fieldDisabledPartitions, m)
}

// PartitionDisabled reports whether the partition is disabled on this instance.
func (c *InstanceConfig) PartitionDisabled(resource, partition string) bool {
	for _, p := range c.DisabledPartitions(resource) {
		if p == partition {
			return true
		}
	}
	return false
}
