package domain

// Project is a pushed crawler bundle: a name, a reference to its archive on
// disk and the spider names discovered inside it at push time.
type Project struct {
	Name     string
	Archive  string
	Spiders  []string
}

// HasSpider reports whether name is among the project's discovered spiders.
func (p *Project) HasSpider(name string) bool {
	for _, s := range p.Spiders {
		if s == name {
			return true
		}
	}
	return false
}
