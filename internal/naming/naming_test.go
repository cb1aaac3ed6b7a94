package naming

import "testing"

func TestResourceNames(t *testing.T) {
	const slug = "my-blog"
	if got := AppContainer(slug); got != "nexus-site-my-blog" {
		t.Fatalf("AppContainer = %q", got)
	}
	if got := DBContainer(slug); got != "nexus-site-my-blog-db" {
		t.Fatalf("DBContainer = %q", got)
	}
	if got := SiteNetwork(slug); got != "nexus-site-my-blog-net" {
		t.Fatalf("SiteNetwork = %q", got)
	}
	if got := DataVolume(slug); got != "nexus-site-my-blog-data" {
		t.Fatalf("DataVolume = %q", got)
	}
	if got := DBVolume(slug); got != "nexus-site-my-blog-db" {
		t.Fatalf("DBVolume = %q", got)
	}
	if got := ImageTag(slug); got != "nexus-site-my-blog:latest" {
		t.Fatalf("ImageTag = %q", got)
	}
}

func TestDatabaseIdentReplacesHyphens(t *testing.T) {
	if got := DatabaseIdent("my-blog-2"); got != "site_my_blog_2" {
		t.Fatalf("DatabaseIdent = %q", got)
	}
}
