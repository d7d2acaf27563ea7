package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/scrapydo/scrapyd-go/internal/domain"
	"github.com/scrapydo/scrapyd-go/internal/registry"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	r, err := registry.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(r.Names()) != 0 {
		t.Fatalf("Names() = %v, want empty", r.Names())
	}
}

func TestPutGetRoundTripAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	r, err := registry.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := &domain.Project{Name: "quotesbot", Archive: "/store/quotesbot.zip", Spiders: []string{"toscrape-css", "toscrape-xpath"}}
	if err := r.Put(p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := r.Get("quotesbot")
	if !ok {
		t.Fatal("Get() not found after Put")
	}
	if got.Archive != p.Archive || len(got.Spiders) != 2 {
		t.Fatalf("Get() = %+v, want %+v", got, p)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("side-file not written: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: stat err = %v", err)
	}

	reloaded, err := registry.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got2, ok := reloaded.Get("quotesbot")
	if !ok || got2.Archive != p.Archive {
		t.Fatalf("reloaded registry missing project: %+v", got2)
	}
}

func TestRemoveDeletesProject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	r, _ := registry.Load(path)
	r.Put(&domain.Project{Name: "p1", Archive: "a", Spiders: []string{"s1"}})
	r.Put(&domain.Project{Name: "p2", Archive: "b", Spiders: []string{"s2"}})

	if err := r.Remove("p1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Get("p1"); ok {
		t.Fatal("p1 still present after Remove")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "p2" {
		t.Fatalf("Names() = %v, want [p2]", names)
	}
}

func TestHasSpider(t *testing.T) {
	p := &domain.Project{Name: "p", Spiders: []string{"a", "b"}}
	if !p.HasSpider("a") {
		t.Fatal("HasSpider(a) = false, want true")
	}
	if p.HasSpider("c") {
		t.Fatal("HasSpider(c) = true, want false")
	}
}
