package resource

import "i-vis/pkg/plugin"

// FromSpec 将目录中的资源定义转换为 Descriptor。
func FromSpec(pluginName string, r plugin.ResourceSpec) Descriptor {
	d := Descriptor{
		Plugin: pluginName,
		Name:   r.Name,
		URL:    r.URL,
		Target: r.Target,
	}
	if r.Probe != nil {
		d.Probe = &Probe{
			Kind:  ProbeKind(r.Probe.Kind),
			Value: r.Probe.Value,
			URL:   r.Probe.URL,
			XPath: r.Probe.XPath,
			Regex: r.Probe.Regex,
		}
	}
	return d
}

// ForPlugin 返回插件的全部资源描述。
func ForPlugin(spec plugin.Spec) []Descriptor {
	out := make([]Descriptor, 0, len(spec.Resources))
	for _, r := range spec.Resources {
		out = append(out, FromSpec(spec.Name, r))
	}
	return out
}
