package wordindex

import (
	"reflect"
	"testing"
)

func TestBuild(t *testing.T) {
	messages := map[string]string{
		"msg_3": "Transfer the money tomorrow",
		"msg_1": "send the key",
		"msg_2": "KEY received, send confirmation",
	}

	index := Build(messages)

	cases := map[string][]string{
		"key":  {"msg_1", "msg_2"},
		"send": {"msg_1", "msg_2"},
		"the":  {"msg_1", "msg_3"},
	}
	for word, want := range cases {
		if got := index[word]; !reflect.DeepEqual(got, want) {
			t.Fatalf("index[%q]=%v, want %v", word, got, want)
		}
	}

	// 分词为小写切分：大小写合并到同一个词
	if _, ok := index["KEY"]; ok {
		t.Fatalf("index must be lowercase only")
	}
	// 标点随空白分词保留在词内（不做词干化）
	if got := index["received,"]; !reflect.DeepEqual(got, []string{"msg_2"}) {
		t.Fatalf("index[\"received,\"]=%v, want [msg_2]", got)
	}
}

func TestBuild_Empty(t *testing.T) {
	if got := Build(nil); len(got) != 0 {
		t.Fatalf("Build(nil)=%v, want empty", got)
	}
	if got := Build(map[string]string{"m1": "   "}); len(got) != 0 {
		t.Fatalf("whitespace-only message should produce no words: %v", got)
	}
}

func TestBuild_DuplicateWordsDeduplicated(t *testing.T) {
	index := Build(map[string]string{"m1": "go go go"})
	if got := index["go"]; !reflect.DeepEqual(got, []string{"m1"}) {
		t.Fatalf("index[\"go\"]=%v, want deduplicated [m1]", got)
	}
}
