package wordindex

import (
	"sort"
	"strings"
)

// Build 从 消息ID -> 文本 的集合构建倒排词索引：词 -> 命中消息ID列表。
// 分词为小写空白切分；每个词的 ID 列表排序去重，保证输出确定性。
// 无状态、无并发语义，给解密后的消息库做快速检索预处理用。
func Build(messages map[string]string) map[string][]string {
	index := map[string]map[string]struct{}{}

	for msgID, text := range messages {
		for _, word := range strings.Fields(strings.ToLower(text)) {
			if index[word] == nil {
				index[word] = map[string]struct{}{}
			}
			index[word][msgID] = struct{}{}
		}
	}

	out := make(map[string][]string, len(index))
	for word, ids := range index {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		out[word] = list
	}
	return out
}
