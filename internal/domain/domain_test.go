package domain

import "testing"

func TestClassify_LabelBeforeTitle(t *testing.T) {
	// Label says database even though the title smells like docs.
	got := Classify("update README for schema docs", []string{"db/migrations"})
	if got != Database {
		t.Errorf("Classify() = %v, want %v", got, Database)
	}
}

func TestClassify_TitleKeywordFallback(t *testing.T) {
	tests := []struct {
		title string
		want  Domain
	}{
		{"add index to users table", Database},
		{"fix invoice rounding", Billing},
		{"patch auth token leak", Security},
		{"restyle settings component", Frontend},
		{"new webhook endpoint", Backend},
		{"docker build cache", Infrastructure},
		{"raise coverage on parser", Testing},
		{"rewrite README", Documentation},
		{"mysterious work item", Unknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.title, nil); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.title, got, tt.want)
		}
	}
}

func TestClassify_IsPure(t *testing.T) {
	labels := []string{"backend"}
	first := Classify("add endpoint", labels)
	for i := 0; i < 10; i++ {
		if got := Classify("add endpoint", labels); got != first {
			t.Fatalf("Classify() not stable: %v then %v", first, got)
		}
	}
}

func TestCanRunParallel_SelfExclusive(t *testing.T) {
	for _, d := range []Domain{Database, Billing, Security} {
		if CanRunParallel(d, d) {
			t.Errorf("CanRunParallel(%v, %v) = true, want false", d, d)
		}
	}
}

func TestCanRunParallel_DocumentationAndUnknownAlwaysOK(t *testing.T) {
	all := []Domain{Backend, Frontend, Database, Infrastructure, Security,
		Testing, Documentation, Billing, Unknown}
	for _, d := range all {
		if !CanRunParallel(Documentation, d) {
			t.Errorf("CanRunParallel(documentation, %v) = false", d)
		}
		if !CanRunParallel(Unknown, d) {
			t.Errorf("CanRunParallel(unknown, %v) = false", d)
		}
	}
}

func TestCanRunParallel_Symmetric(t *testing.T) {
	all := []Domain{Backend, Frontend, Database, Infrastructure, Security,
		Testing, Documentation, Billing, Unknown}
	for _, a := range all {
		for _, b := range all {
			if CanRunParallel(a, b) != CanRunParallel(b, a) {
				t.Errorf("CanRunParallel(%v, %v) asymmetric", a, b)
			}
		}
	}
}

func TestCanRunParallel_SameDomainUnrestricted(t *testing.T) {
	if !CanRunParallel(Backend, Backend) {
		t.Error("two backend issues should run in parallel")
	}
	if !CanRunParallel(Frontend, Backend) {
		t.Error("frontend and backend should run in parallel")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Add index to users table", "add-index-to-users-table"},
		{"Fix: billing / invoice rounding!!", "fix-billing-invoice-rounding"},
		{"---", "issue"},
		{"", "issue"},
		{"UPPER case", "upper-case"},
	}

	for _, tt := range tests {
		if got := Slugify(tt.title); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestSlugify_Length(t *testing.T) {
	long := "this is an extremely long issue title that keeps going and going well past the limit"
	got := Slugify(long)
	if len(got) > 40 {
		t.Errorf("Slugify() length = %d, want <= 40", len(got))
	}
	if got[len(got)-1] == '-' {
		t.Errorf("Slugify() = %q, trailing hyphen", got)
	}
}
